package guardrail

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
)

// Entry is one journaled guardrail evaluation.
type Entry struct {
	At          time.Time               `json:"at"`
	AgentID     string                  `json:"agent_id"`
	Description string                  `json:"description"`
	Allowed     bool                    `json:"allowed"`
	Evaluated   int                     `json:"evaluated"`
	Violations  []model.GuardrailResult `json:"violations,omitempty"`
}

// Journal is an append-only JSONL log of guardrail evaluations. Appends are
// flushed before returning so a crash never loses an acknowledged entry.
type Journal struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenJournal opens (or creates) the journal file in append mode.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("guardrail: open journal %q: %w", path, err)
	}
	return &Journal{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one entry and flushes.
func (j *Journal) Append(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("guardrail: marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("guardrail: append journal: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("guardrail: flush journal: %w", err)
	}
	return nil
}

// ReadEntries parses a journal stream, for inspection tooling and tests.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("guardrail: parse journal: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}
