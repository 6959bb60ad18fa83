package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index. It backs tests and deployments
// without an external vector backend; linear scan is fine at the corpus sizes
// a single agent produces.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewMemoryIndex creates an empty in-memory semantic index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

// Upsert inserts or replaces points.
func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		emb := append([]float32(nil), p.Embedding...)
		p.Embedding = emb
		m.points[p.ID] = p
	}
	return nil
}

func matchFilter(p Point, f Filter) bool {
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Project != "" && p.Project != f.Project {
		return false
	}
	return true
}

// Search scans all points and returns the limit nearest by cosine similarity.
func (m *MemoryIndex) Search(_ context.Context, embedding []float32, filter Filter, limit int) ([]Result, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, 0, len(m.points))
	for id, p := range m.points {
		if !matchFilter(p, filter) {
			continue
		}
		results = append(results, Result{ID: id, Score: Cosine(embedding, p.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes points by id.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

// Count returns the number of indexed points.
func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

// Reset drops all points.
func (m *MemoryIndex) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]Point)
	return nil
}

// Healthy always succeeds.
func (m *MemoryIndex) Healthy(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// Cosine returns cosine similarity mapped to [0,1]. Mismatched or zero
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp into [0,1]: negative similarity means "unrelated" for retrieval.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
