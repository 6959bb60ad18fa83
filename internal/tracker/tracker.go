// Package tracker passively captures the inputs an agent consulted while
// deliberating. Sessions are keyed per agent (optionally per in-progress
// decision) and consumed when the decision is recorded, yielding a
// DeliberationTrace.
package tracker

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tfatykhov/cstp/internal/model"
)

// DefaultTTL is how long an idle session survives before cleanup.
const DefaultTTL = 5 * time.Minute

// cleanupProbability is the chance a Track call sweeps expired sessions,
// amortizing GC without a background goroutine.
const cleanupProbability = 0.01

// Key builds a session key: transport prefix, agent identifier, and an
// optional decision id that scopes a thought stream to one in-progress
// decision so parallel agents don't collide.
func Key(prefix, agent, decisionID string) string {
	parts := []string{prefix, agent}
	if decisionID != "" {
		parts = append(parts, decisionID)
	}
	return strings.Join(parts, ":")
}

type session struct {
	inputs       []model.TrackedInput
	lastActivity time.Time
}

// Tracker is the process-wide deliberation session map. Safe for concurrent
// use; track and consume are atomic with respect to each other.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
	rand     func() float64
}

// New creates a tracker with the given session TTL. A non-positive ttl uses
// DefaultTTL.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		rand:     rand.Float64,
	}
}

// Track appends an input to the keyed session and bumps its last-activity
// timestamp. Missing input ids and timestamps are filled in.
func (t *Tracker) Track(key string, input model.TrackedInput) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = now
	}

	s, ok := t.sessions[key]
	if !ok {
		s = &session{}
		t.sessions[key] = s
	}
	s.inputs = append(s.inputs, input)
	s.lastActivity = now

	if t.rand() < cleanupProbability {
		t.cleanupLocked(now)
	}
}

// Consume returns the session's trace and clears it. Returns nil if the
// session has no inputs. Convergence is left false; the decision service
// computes it against the recorded decision's related set.
func (t *Tracker) Consume(key string) *model.DeliberationTrace {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok || len(s.inputs) == 0 {
		return nil
	}
	delete(t.sessions, key)
	return buildTrace(s.inputs)
}

// Peek returns a copy of the session's current inputs without clearing.
func (t *Tracker) Peek(key string) []model.TrackedInput {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok {
		return nil
	}
	return append([]model.TrackedInput(nil), s.inputs...)
}

// Sessions returns a snapshot of pending sessions whose key starts with the
// given prefix. Used by the debug surface; sessions are not consumed.
func (t *Tracker) Sessions(keyPrefix string) map[string][]model.TrackedInput {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]model.TrackedInput)
	for key, s := range t.sessions {
		if keyPrefix != "" && !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		out[key] = append([]model.TrackedInput(nil), s.inputs...)
	}
	return out
}

// CleanupExpired removes sessions idle longer than the TTL and returns how
// many were removed.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleanupLocked(t.now())
}

func (t *Tracker) cleanupLocked(now time.Time) int {
	removed := 0
	for key, s := range t.sessions {
		if now.Sub(s.lastActivity) > t.ttl {
			delete(t.sessions, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// buildTrace groups consecutive same-type inputs into steps, preserving
// insertion order. Duration spans first to last input timestamp.
func buildTrace(inputs []model.TrackedInput) *model.DeliberationTrace {
	trace := &model.DeliberationTrace{
		Inputs: inputs,
	}

	var steps []model.DeliberationStep
	for _, in := range inputs {
		if n := len(steps); n > 0 && steps[n-1].Type == in.Type {
			steps[n-1].InputIDs = append(steps[n-1].InputIDs, in.ID)
			continue
		}
		steps = append(steps, model.DeliberationStep{
			Type:     in.Type,
			InputIDs: []string{in.ID},
		})
	}
	trace.Steps = steps

	if len(inputs) > 1 {
		trace.TotalDurationMS = inputs[len(inputs)-1].Timestamp.Sub(inputs[0].Timestamp).Milliseconds()
	}
	return trace
}
