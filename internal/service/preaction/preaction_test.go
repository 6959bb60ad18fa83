package preaction

import (
	"context"
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
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/service/decisions"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/service/ready"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

const blockCriticalRule = `
guardrails:
  - id: no-blind-critical
    description: Critical actions need prior deliberation
    conditions:
      - field: stakes
        operator: "=="
        value: critical
      - field: confidence
        operator: "<"
        value: 0.6
    action: block
    message: critical action with low confidence
`

type fixture struct {
	svc   *Service
	dec   *decisions.Service
	store *storage.MemoryStore
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
	dec := decisions.New(store, idx, emb, g, engine, trk, queries, logger)
	cal := calibration.New(store, logger)
	rdy := ready.New(store, cal, logger)

	return &fixture{
		svc:   New(store, queries, engine, cal, dec, rdy, logger),
		dec:   dec,
		store: store,
	}
}

func (f *fixture) record(t *testing.T, p model.RecordParams) model.RecordResult {
	t.Helper()
	require.NoError(t, p.Validate())
	res, err := f.dec.Record(context.Background(), "http", "claude", p)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func conf(v float64) *float64 { return &v }

func TestPreActionRetrievesAndRecords(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	seed := f.record(t, model.RecordParams{
		Decision:   "use exponential backoff for upstream retries",
		Category:   "integration",
		Confidence: 0.8,
		Pattern:    "backoff with jitter",
	})

	res, err := f.svc.PreAction(ctx, "http", "claude", model.PreActionParams{
		Action: model.ActionContext{
			Description: "add retries with backoff to the payment client",
			Category:    "integration",
			Stakes:      model.StakesMedium,
			Confidence:  conf(0.7),
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Empty(t, res.BlockReasons)
	require.NotEmpty(t, res.RelevantDecisions)
	assert.Equal(t, seed.ID, res.RelevantDecisions[0].Decision.ID)
	require.NotNil(t, res.CalibrationContext)
	assert.Equal(t, model.TendencyInsufficientData, res.CalibrationContext.Tendency)

	require.NotEmpty(t, res.PatternsSummary)
	assert.Equal(t, "backoff with jitter", res.PatternsSummary[0].Pattern)

	// auto_record defaults on: the action became a decision, related to the
	// retrieved one via the tracked query.
	require.NotEmpty(t, res.DecisionID)
	d, err := f.store.Get(ctx, res.DecisionID)
	require.NoError(t, err)
	require.Len(t, d.Related, 1)
	assert.Equal(t, seed.ID, d.Related[0].ID)
	require.NotNil(t, d.Deliberation)
	assert.True(t, d.Deliberation.Convergence)
}

func TestPreActionBlockedRecordsNothing(t *testing.T) {
	f := newFixture(t, blockCriticalRule)
	ctx := context.Background()

	res, err := f.svc.PreAction(ctx, "http", "claude", model.PreActionParams{
		Action: model.ActionContext{
			Description: "rotate the production signing keys",
			Category:    "security",
			Stakes:      model.StakesCritical,
			Confidence:  conf(0.3),
		},
	})
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	require.NotEmpty(t, res.BlockReasons)
	assert.Equal(t, model.SeverityBlock, res.BlockReasons[0].Severity)
	assert.Empty(t, res.DecisionID)

	count, err := f.store.Count(ctx, model.QueryFilters{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPreActionAutoRecordOptOut(t *testing.T) {
	f := newFixture(t, "")
	off := false

	res, err := f.svc.PreAction(context.Background(), "http", "claude", model.PreActionParams{
		Action: model.ActionContext{
			Description: "switch the queue to nats",
			Category:    "architecture",
			Confidence:  conf(0.7),
		},
		Options: model.PreActionOptions{AutoRecord: &off},
	})
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Empty(t, res.DecisionID)

	count, err := f.store.Count(context.Background(), model.QueryFilters{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPreActionWithoutConfidenceSkipsRecord(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.svc.PreAction(context.Background(), "http", "claude", model.PreActionParams{
		Action: model.ActionContext{
			Description: "explore using a graph database",
			Category:    "architecture",
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.DecisionID, "no confidence means nothing to record")
}

func TestPreActionExplicitRecordParams(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.svc.PreAction(context.Background(), "http", "claude", model.PreActionParams{
		Action: model.ActionContext{
			Description: "roll out feature flags",
			Category:    "process",
			Confidence:  conf(0.6),
		},
		Record: &model.RecordParams{
			Decision:   "adopt a feature flag service for gradual rollouts",
			Category:   "process",
			Confidence: 0.75,
			Tags:       []string{"rollout"},
		},
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.DecisionID)
	d, err := f.store.Get(context.Background(), res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "adopt a feature flag service for gradual rollouts", d.DecisionText)
	assert.InDelta(t, 0.75, d.Confidence, 1e-9)
	assert.Equal(t, []string{"rollout"}, d.Tags)
}

func TestSessionContext(t *testing.T) {
	f := newFixture(t, blockCriticalRule)
	ctx := context.Background()

	f.record(t, model.RecordParams{
		Decision: "use pgx for postgres access", Category: "architecture", Confidence: 0.8,
		Pattern: "thin driver over orm",
	})
	f.record(t, model.RecordParams{
		Decision: "wrap pgx pools behind a storage interface", Category: "architecture", Confidence: 0.7,
		Pattern: "thin driver over orm",
	})

	res, err := f.svc.SessionContext(ctx, "claude", model.SessionContextParams{})
	require.NoError(t, err)

	assert.Len(t, res.RecentDecisions, 2)
	require.Len(t, res.Guardrails, 1)
	assert.Equal(t, "no-blind-critical", res.Guardrails[0].ID)
	require.NotEmpty(t, res.TopPatterns)
	assert.Equal(t, "thin driver over orm", res.TopPatterns[0].Pattern)
}
