package guardrail

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
)

// reloadTTL is the soft age after which a listing triggers a background
// reload. Evaluations never block on reload; they use the current snapshot.
const reloadTTL = 5 * time.Minute

type snapshot struct {
	rules    []model.Guardrail
	loadedAt time.Time
}

// Registry holds the current rule snapshot and reloads it from disk with a
// soft TTL.
type Registry struct {
	dirs    []string
	logger  *slog.Logger
	current atomic.Pointer[snapshot]

	reloadMu  sync.Mutex
	reloading bool
}

// NewRegistry loads the initial snapshot from the given directories. Load
// errors at startup are fatal; later reload errors keep the previous
// snapshot.
func NewRegistry(dirs []string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{dirs: dirs, logger: logger}
	rules, err := Load(dirs)
	if err != nil {
		return nil, err
	}
	r.current.Store(&snapshot{rules: rules, loadedAt: time.Now().UTC()})
	return r, nil
}

// Rules returns the current snapshot. The returned slice must not be
// mutated.
func (r *Registry) Rules() []model.Guardrail {
	return r.current.Load().rules
}

// MaybeReload kicks off a background reload when the snapshot is older than
// the soft TTL. It never blocks the caller.
func (r *Registry) MaybeReload() {
	if time.Since(r.current.Load().loadedAt) < reloadTTL {
		return
	}

	r.reloadMu.Lock()
	if r.reloading {
		r.reloadMu.Unlock()
		return
	}
	r.reloading = true
	r.reloadMu.Unlock()

	go func() {
		defer func() {
			r.reloadMu.Lock()
			r.reloading = false
			r.reloadMu.Unlock()
		}()
		r.Reload()
	}()
}

// Reload synchronously reloads rules from disk. On error the previous
// snapshot stays in place.
func (r *Registry) Reload() {
	rules, err := Load(r.dirs)
	if err != nil {
		r.logger.Error("guardrail: reload failed, keeping previous snapshot", "error", err)
		return
	}
	r.current.Store(&snapshot{rules: rules, loadedAt: time.Now().UTC()})
	r.logger.Info("guardrail: rules reloaded", "count", len(rules))
}
