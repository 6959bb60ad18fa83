//go:build integration

package vector_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/testutil"
	"github.com/tfatykhov/cstp/internal/vector"
)

// Run with: go test -tags integration ./internal/vector/
// Requires a local Docker daemon.

const dims = 128

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// exerciseStore runs the shared backend contract against a live index.
func exerciseStore(t *testing.T, idx vector.Store) {
	ctx := context.Background()
	emb := embedding.NewHashProvider(dims)

	require.NoError(t, idx.Healthy(ctx))
	require.NoError(t, idx.Reset(ctx))

	texts := []string{
		"use postgres with pgvector for embeddings",
		"cache session state in redis",
		"switch the build to multi-stage docker images",
	}
	vecs, err := emb.Embed(ctx, texts)
	require.NoError(t, err)

	points := []vector.Point{
		{ID: "aaaa0001", Embedding: vecs[0], AgentID: "claude", Category: "architecture"},
		{ID: "aaaa0002", Embedding: vecs[1], AgentID: "claude", Category: "architecture"},
		{ID: "aaaa0003", Embedding: vecs[2], AgentID: "gpt", Category: "deploy"},
	}
	require.NoError(t, idx.Upsert(ctx, points))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Nearest neighbor of an identical text is the text itself.
	qv, err := emb.Embed(ctx, []string{texts[1]})
	require.NoError(t, err)
	results, err := idx.Search(ctx, qv[0], vector.Filter{}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "aaaa0002", results[0].ID)
	assert.Greater(t, results[0].Score, 0.9)

	// Category prefilter excludes the other agent's deploy decision.
	results, err = idx.Search(ctx, qv[0], vector.Filter{Category: "architecture"}, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "aaaa0003", r.ID)
	}

	// Upsert with the same id replaces, not duplicates.
	require.NoError(t, idx.Upsert(ctx, []vector.Point{points[0]}))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, idx.Delete(ctx, []string{"aaaa0001", "unknown0"}))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, idx.Reset(ctx))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPgvectorIndexIntegration(t *testing.T) {
	pg := testutil.MustStartPgvector()
	defer pg.Terminate()

	idx, err := vector.NewPgvectorIndex(context.Background(), pg.DSN, dims, testLogger())
	require.NoError(t, err)
	defer idx.Close()

	exerciseStore(t, idx)
}

func TestQdrantIndexIntegration(t *testing.T) {
	qd := testutil.MustStartQdrant()
	defer qd.Terminate()

	idx, err := vector.NewQdrantIndex(vector.QdrantConfig{
		URL:        qd.URL,
		Collection: "cstp_test",
		Dims:       dims,
	}, testLogger())
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.EnsureCollection(context.Background()))

	exerciseStore(t, idx)
}
