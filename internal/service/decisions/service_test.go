package decisions

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/graph"
	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

const blockHighStakesRule = `
guardrails:
  - id: high-stakes-confidence
    description: High stakes decisions need real confidence
    conditions:
      - field: stakes
        operator: "=="
        value: high
      - field: confidence
        operator: "<"
        value: 0.5
    action: block
    message: high stakes decision with low confidence
`

type fixture struct {
	svc     *Service
	queries *query.Service
	store   *storage.MemoryStore
	idx     *vector.MemoryIndex
	tracker *tracker.Tracker
	graph   *graph.MemoryGraph
}

func newFixture(t *testing.T, rulesYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if rulesYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rulesYAML), 0o600))
	}

	store := storage.NewMemoryStore()
	idx := vector.NewMemoryIndex()
	emb := embedding.NewHashProvider(256)
	trk := tracker.New(0)
	g, err := graph.Open("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry, err := guardrail.NewRegistry([]string{dir}, logger)
	require.NoError(t, err)
	engine := guardrail.NewEngine(registry, store, emb, idx, nil, logger)

	queries := query.New(store, idx, emb, trk, logger)
	svc := New(store, idx, emb, g, engine, trk, queries, logger)
	return &fixture{svc: svc, queries: queries, store: store, idx: idx, tracker: trk, graph: g}
}

func recordParams(text string) model.RecordParams {
	p := model.RecordParams{
		Decision:   text,
		Category:   "architecture",
		Confidence: 0.8,
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

func TestRecordPersistsAndIndexes(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.svc.Record(ctx, "http", "claude", recordParams("use sqlite for the decision store"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Allowed)
	assert.True(t, res.Indexed)
	require.NotEmpty(t, res.ID)
	require.NotNil(t, res.Quality)
	assert.Greater(t, res.Quality.Score, 0.0)

	d, err := f.store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "claude", d.AgentID)
	assert.Equal(t, model.StakesMedium, d.Stakes)
	assert.NotNil(t, d.Quality)

	n, err := f.idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordBlockedByGuardrailPersistsNothing(t *testing.T) {
	f := newFixture(t, blockHighStakesRule)
	ctx := context.Background()

	p := recordParams("drop the users table in production")
	p.Stakes = model.StakesHigh
	p.Confidence = 0.3

	res, err := f.svc.Record(ctx, "http", "claude", p)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.Allowed)
	assert.Empty(t, res.ID)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, model.SeverityBlock, res.Violations[0].Severity)

	count, err := f.store.Count(ctx, model.QueryFilters{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecordCapturesDeliberationAndRelated(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	seed, err := f.svc.Record(ctx, "http", "claude", recordParams("use redis with a short ttl for session caching"))
	require.NoError(t, err)

	// The query lands in the agent's tracker session; recording afterwards
	// should consume it and pick up the hit as a related decision.
	key := tracker.Key("http", "claude", "")
	qp := model.QueryParams{Query: "session caching with redis"}
	require.NoError(t, qp.Validate())
	qres, err := f.queries.Query(ctx, key, qp)
	require.NoError(t, err)
	require.NotEmpty(t, qres.Results)

	res, err := f.svc.Record(ctx, "http", "claude", recordParams("extend the session cache ttl to ten minutes"))
	require.NoError(t, err)

	assert.True(t, res.DeliberationAuto)
	assert.Equal(t, 1, res.DeliberationInputsCount)
	assert.Equal(t, 1, res.RelatedCount)

	d, err := f.store.Get(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Deliberation)
	assert.True(t, d.Deliberation.Convergence)
	require.Len(t, d.Related, 1)
	assert.Equal(t, seed.ID, d.Related[0].ID)
	assert.NotEmpty(t, d.Related[0].Summary)

	// Session is gone after consumption.
	assert.Empty(t, f.tracker.Peek(key))

	// And the relates_to edge exists in the graph.
	edges, err := f.graph.Neighbors(ctx, res.ID, []model.GraphEdgeType{model.EdgeRelatesTo})
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestRecordMergesExplicitDeliberation(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	key := tracker.Key("http", "claude", "")
	f.svc.Thought("http", "claude", "", "considered memcached first, rejected for persistence")
	require.Len(t, f.tracker.Peek(key), 1)

	p := recordParams("use redis for caching")
	p.Deliberation = &model.DeliberationTrace{
		Inputs: []model.TrackedInput{{ID: "client-1", Type: model.InputReasoning, Text: "client-side note"}},
	}
	res, err := f.svc.Record(ctx, "http", "claude", p)
	require.NoError(t, err)

	assert.True(t, res.DeliberationAuto)
	assert.Equal(t, 2, res.DeliberationInputsCount)
}

func TestUpdateOwnerOnly(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.svc.Record(ctx, "http", "claude", recordParams("use redis for caching"))
	require.NoError(t, err)

	text := "use valkey for caching"
	_, err = f.svc.Update(ctx, "other-agent", model.UpdateParams{ID: res.ID, DecisionText: &text})
	assert.ErrorIs(t, err, ErrNotOwner)

	updated, err := f.svc.Update(ctx, "claude", model.UpdateParams{ID: res.ID, DecisionText: &text})
	require.NoError(t, err)
	assert.Equal(t, text, updated.DecisionText)
	assert.NotNil(t, updated.UpdatedAt)
}

func TestReviewedDecisionsAreImmutable(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.svc.Record(ctx, "http", "claude", recordParams("use redis for caching"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Review(ctx, model.ReviewParams{
		ID: res.ID, Outcome: model.OutcomeSuccess, ActualResult: "cache hit rate 92%",
	}))

	// Second review fails.
	err = f.svc.Review(ctx, model.ReviewParams{
		ID: res.ID, Outcome: model.OutcomeFailure, ActualResult: "changed my mind",
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyReviewed)

	// So does any field update.
	text := "rewrite"
	_, err = f.svc.Update(ctx, "claude", model.UpdateParams{ID: res.ID, DecisionText: &text})
	assert.ErrorIs(t, err, storage.ErrAlreadyReviewed)
}

func TestReviewUnknownID(t *testing.T) {
	f := newFixture(t, "")
	err := f.svc.Review(context.Background(), model.ReviewParams{
		ID: "nope0000", Outcome: model.OutcomeSuccess, ActualResult: "x",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetReturnsNeighbors(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	a, err := f.svc.Record(ctx, "http", "claude", recordParams("adopt postgres for the primary store"))
	require.NoError(t, err)
	b, err := f.svc.Record(ctx, "http", "claude", recordParams("use pgbouncer in front of postgres"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Link(ctx, model.LinkParams{From: b.ID, To: a.ID, Type: model.EdgeDependsOn}))

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Neighbors, 1)
	assert.Equal(t, a.ID, got.Neighbors[0].ID)
	assert.Equal(t, model.EdgeDependsOn, got.Neighbors[0].Type)
	assert.True(t, got.Neighbors[0].Out)
	assert.NotEmpty(t, got.Neighbors[0].Summary)
}

func TestLinkUnknownDecision(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	a, err := f.svc.Record(ctx, "http", "claude", recordParams("adopt postgres"))
	require.NoError(t, err)

	err = f.svc.Link(ctx, model.LinkParams{From: a.ID, To: "nope0000", Type: model.EdgeRelatesTo})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubgraphDepth(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	a, _ := f.svc.Record(ctx, "http", "claude", recordParams("decision a"))
	b, _ := f.svc.Record(ctx, "http", "claude", recordParams("decision b"))
	c, _ := f.svc.Record(ctx, "http", "claude", recordParams("decision c"))
	require.NoError(t, f.svc.Link(ctx, model.LinkParams{From: a.ID, To: b.ID, Type: model.EdgeRelatesTo}))
	require.NoError(t, f.svc.Link(ctx, model.LinkParams{From: b.ID, To: c.ID, Type: model.EdgeRelatesTo}))

	res, err := f.svc.Subgraph(ctx, model.GraphParams{RootID: a.ID, Depth: 1})
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 2)
	assert.Len(t, res.Edges, 1)

	res, err = f.svc.Subgraph(ctx, model.GraphParams{RootID: a.ID, Depth: 2})
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 3)
	assert.Len(t, res.Edges, 2)
}

func TestReindexRebuildsVectorStore(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	for _, text := range []string{"first decision", "second decision", "third decision"} {
		_, err := f.svc.Record(ctx, "http", "claude", recordParams(text))
		require.NoError(t, err)
	}
	require.NoError(t, f.idx.Reset(ctx))

	res, err := f.svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Reindexed)
	assert.Zero(t, res.Skipped)

	n, err := f.idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAttributeOutcomes(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	a, err := f.svc.Record(ctx, "http", "claude", recordParams("use connection pooling for postgres"))
	require.NoError(t, err)

	p := recordParams("tune the pool size to core count")
	p.Related = []model.RelatedHint{{ID: a.ID, Distance: 0.2}}
	b, err := f.svc.Record(ctx, "http", "claude", p)
	require.NoError(t, err)
	assert.Equal(t, 1, b.RelatedCount)

	// Attribution requires an outcome.
	_, err = f.svc.AttributeOutcomes(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotReviewed)

	require.NoError(t, f.svc.Review(ctx, model.ReviewParams{
		ID: a.ID, Outcome: model.OutcomeSuccess, ActualResult: "p99 down 40%",
	}))

	res, err := f.svc.AttributeOutcomes(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Related, 1)
	assert.Contains(t, got.Related[0].Summary, "(outcome: success)")

	// Idempotent: snapshots already annotated are not touched again.
	res, err = f.svc.AttributeOutcomes(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}

func TestReasonStats(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	p := recordParams("use redis for caching")
	p.Reasons = []model.Reason{
		{Type: model.ReasonAnalysis, Text: "profiling", Strength: 0.8},
		{Type: model.ReasonEmpirical, Text: "benchmark", Strength: 0.6},
	}
	_, err := f.svc.Record(ctx, "http", "claude", p)
	require.NoError(t, err)

	p = recordParams("shard the cache by tenant")
	p.Reasons = []model.Reason{{Type: model.ReasonAnalysis, Text: "load model", Strength: 0.4}}
	_, err = f.svc.Record(ctx, "http", "claude", p)
	require.NoError(t, err)

	stats, err := f.svc.ReasonStats(ctx, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.SampleSize)
	require.NotEmpty(t, stats.ByType)
	assert.Equal(t, model.ReasonAnalysis, stats.ByType[0].Type)
	assert.Equal(t, 2, stats.ByType[0].Count)
	assert.InDelta(t, 0.6, stats.ByType[0].MeanStrength, 1e-9)
	assert.Equal(t, model.ReasonAnalysis, stats.TopByCat["architecture"])
}

// failingIndex rejects every upsert, simulating an unreachable backend.
type failingIndex struct {
	*vector.MemoryIndex
}

func (f *failingIndex) Upsert(context.Context, []vector.Point) error {
	return vector.ErrUnavailable
}

func TestRecordSurvivesIndexFailure(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.svc.vectors = &failingIndex{MemoryIndex: f.idx}

	res, err := f.svc.Record(ctx, "http", "claude", recordParams("decision outlives the index"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Indexed)

	_, err = f.store.Get(ctx, res.ID)
	require.NoError(t, err)
}

func TestNewIDIsShortHex(t *testing.T) {
	f := newFixture(t, "")
	id, err := f.svc.newID(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 8)
	for _, c := range id {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "id %q not hex", id)
	}
}

func TestHelperErrorsWrapSentinels(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.Get(context.Background(), "nope0000")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
