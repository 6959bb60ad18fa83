// Package vector provides the semantic index used for retrieval. The index is
// derived state: decisions are the source of truth and a reindex rebuilds it
// from scratch. Three backends implement the same interface: an in-memory
// index for tests and single-process runs, Qdrant over gRPC, and Postgres
// with pgvector.
package vector

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backend cannot be reached. Retrieval
// degrades to keyword-only search on this error.
var ErrUnavailable = errors.New("vector: backend unavailable")

// Point is one decision embedding plus the payload fields backends can use
// to prefilter before the caller's authoritative hydration pass.
type Point struct {
	ID          string
	Embedding   []float32
	AgentID     string
	Category    string
	Project     string
	CreatedUnix int64
}

// Result is a scored semantic match. Score is cosine similarity in [0,1].
type Result struct {
	ID    string
	Score float64
}

// Filter narrows a semantic search at the backend. All fields are optional;
// callers still re-filter after hydrating, so the filter is an optimization,
// not a correctness boundary.
type Filter struct {
	AgentID  string
	Category string
	Project  string
}

// Store is the semantic index interface.
type Store interface {
	// Upsert inserts or replaces points, idempotent by id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns the limit nearest points by cosine similarity.
	Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Result, error)

	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of indexed points.
	Count(ctx context.Context) (int, error)

	// Reset drops all points. Used by reindex before a rebuild.
	Reset(ctx context.Context) error

	// Healthy returns nil if the backend is reachable.
	Healthy(ctx context.Context) error

	// Close releases backend connections.
	Close() error
}
