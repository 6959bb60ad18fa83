package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/model"
)

func open(t *testing.T) *MemoryGraph {
	t.Helper()
	g, err := Open("")
	require.NoError(t, err)
	return g
}

func edge(from, to string, typ model.GraphEdgeType, weight float64) model.GraphEdge {
	return model.GraphEdge{FromID: from, ToID: to, Type: typ, Weight: weight}
}

func TestAddEdgeValidation(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	err := g.AddEdge(ctx, edge("a", "b", "follows", 0.5))
	require.Error(t, err)

	err = g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 1.5))
	require.Error(t, err)

	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 0.5)))
}

func TestRelatesToIsUndirected(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	require.NoError(t, g.AddEdge(ctx, edge("bbb", "aaa", model.EdgeRelatesTo, 0.4)))
	// The reversed pair is the same edge; the weight updates in place.
	require.NoError(t, g.AddEdge(ctx, edge("aaa", "bbb", model.EdgeRelatesTo, 0.9)))
	assert.Equal(t, 1, g.EdgeCount())

	edges, err := g.Neighbors(ctx, "bbb", nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.9, edges[0].Weight, 1e-9)

	// Visible from both endpoints.
	edges, err = g.Neighbors(ctx, "aaa", nil)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestDirectedTypesKeepBothDirections(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeSupersedes, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("b", "a", model.EdgeSupersedes, 1)))
	assert.Equal(t, 2, g.EdgeCount())
}

func TestNeighborsTypeFilter(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 0.5)))
	require.NoError(t, g.AddEdge(ctx, edge("a", "c", model.EdgeDependsOn, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("a", "d", model.EdgeContradicts, 1)))

	edges, err := g.Neighbors(ctx, "a", []model.GraphEdgeType{model.EdgeDependsOn})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "c", edges[0].ToID)

	edges, err = g.Neighbors(ctx, "a", nil)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestSubgraphDepth(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	// Chain a - b - c - d - e.
	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("b", "c", model.EdgeRelatesTo, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("c", "d", model.EdgeRelatesTo, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("d", "e", model.EdgeRelatesTo, 1)))

	nodes, edges, err := g.Subgraph(ctx, "a", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, nodes)
	assert.Len(t, edges, 1)

	nodes, _, err = g.Subgraph(ctx, "a", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, nodes)

	// Depth clamps to MaxDepth: the chain is longer than the cap reaches.
	nodes, _, err = g.Subgraph(ctx, "a", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, nodes)
}

func TestSubgraphUnknownRoot(t *testing.T) {
	g := open(t)
	nodes, edges, err := g.Subgraph(context.Background(), "nope", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"nope"}, nodes)
	assert.Empty(t, edges)
}

func TestRemoveEdge(t *testing.T) {
	g := open(t)
	ctx := context.Background()

	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 0.5)))
	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeSupersedes, 1)))

	// Typed removal leaves the other edge.
	require.NoError(t, g.RemoveEdge(ctx, "a", "b", model.EdgeSupersedes))
	assert.Equal(t, 1, g.EdgeCount())

	// Zero type removes everything between the pair, in either direction.
	require.NoError(t, g.RemoveEdge(ctx, "b", "a", ""))
	assert.Equal(t, 0, g.EdgeCount())
}

func TestJournalReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.jsonl")
	ctx := context.Background()

	g, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(ctx, edge("a", "b", model.EdgeRelatesTo, 0.5)))
	require.NoError(t, g.AddEdge(ctx, edge("a", "c", model.EdgeDependsOn, 1)))
	require.NoError(t, g.AddEdge(ctx, edge("a", "d", model.EdgeBlocks, 1)))
	require.NoError(t, g.RemoveEdge(ctx, "a", "d", model.EdgeBlocks))
	require.NoError(t, g.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.EdgeCount())
	edges, err := reopened.Neighbors(ctx, "a", nil)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// Mutations after replay keep appending to the same journal.
	require.NoError(t, reopened.AddEdge(ctx, edge("c", "e", model.EdgeRelatesTo, 0.7)))
	require.NoError(t, reopened.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 3, again.EdgeCount())
}
