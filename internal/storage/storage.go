// Package storage provides the canonical decision store. The decision store
// is the single source of truth; the vector index and graph store are derived
// and can be rebuilt from it.
package storage

import (
	"context"
	"errors"

	"github.com/tfatykhov/cstp/internal/model"
)

var (
	// ErrNotFound is returned when a requested decision does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyReviewed is returned when attaching an outcome to a decision
	// that already has one, or mutating a reviewed decision's frozen fields.
	ErrAlreadyReviewed = errors.New("storage: decision already reviewed")

	// ErrUnavailable is returned when a backend cannot be reached; callers
	// may retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// DecisionStore is the canonical persistence interface for decisions.
// Implementations must be safe for concurrent use; writes are serialized
// per id.
type DecisionStore interface {
	// Save persists a decision, idempotent by id. CreatedAt is preserved on
	// re-save and UpdatedAt is bumped. Re-saving a reviewed decision rejects
	// every field change except outcome lessons.
	Save(ctx context.Context, d model.Decision) error

	// Get returns a decision by id, or ErrNotFound.
	Get(ctx context.Context, id string) (model.Decision, error)

	// List returns a deterministic page of decisions plus the total match
	// count for the query's filters.
	List(ctx context.Context, q model.ListQuery) (model.ListResult, error)

	// Stats aggregates counts over the filtered decision set.
	Stats(ctx context.Context, window model.StatsWindow, filters model.QueryFilters) (model.DecisionStats, error)

	// UpdateOutcome attaches an outcome. Fails with ErrNotFound or
	// ErrAlreadyReviewed.
	UpdateOutcome(ctx context.Context, id string, outcome model.Outcome) error

	// Count returns the number of decisions matching the filters.
	Count(ctx context.Context, filters model.QueryFilters) (int, error)

	// Close releases resources.
	Close() error
}
