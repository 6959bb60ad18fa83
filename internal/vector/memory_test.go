package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexSearchOrdering(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "c", Embedding: []float32{0, 1, 0}},
	}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, 0.0, results[2].Score, "orthogonal vector scores zero")
}

func TestMemoryIndexFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Embedding: []float32{1, 0}, AgentID: "claude", Project: "cstp"},
		{ID: "b", Embedding: []float32{1, 0}, AgentID: "other", Project: "cstp"},
		{ID: "c", Embedding: []float32{1, 0}, AgentID: "claude", Project: "infra"},
	}))

	results, err := idx.Search(ctx, []float32{1, 0}, Filter{AgentID: "claude", Project: "cstp"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestMemoryIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Upsert(ctx, []Point{{ID: "a", Embedding: []float32{1, 0}}}))
	require.NoError(t, idx.Upsert(ctx, []Point{{ID: "a", Embedding: []float32{0, 1}}}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := idx.Search(ctx, []float32{0, 1}, Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestMemoryIndexDeleteAndReset(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0, 1}},
	}))

	require.NoError(t, idx.Delete(ctx, []string{"a", "missing"}))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, idx.Reset(ctx))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{-1, 0}), "negative similarity clamps to zero")
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{in: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{in: "http://localhost:6333", host: "localhost", port: 6334},
		{in: "http://localhost:6334", host: "localhost", port: 6334},
		{in: "http://localhost", host: "localhost", port: 6334},
		{in: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		host, port, tls, err := parseQdrantURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host)
		assert.Equal(t, tt.port, port)
		assert.Equal(t, tt.tls, tls)
	}
}
