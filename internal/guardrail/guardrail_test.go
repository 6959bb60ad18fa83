package guardrail

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/vector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRules(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(yaml), 0o600))
	return dir
}

func newEngine(t *testing.T, rulesYAML string, source DecisionSource) *Engine {
	t.Helper()
	dir := writeRules(t, rulesYAML)
	reg, err := NewRegistry([]string{dir}, testLogger())
	require.NoError(t, err)
	return NewEngine(reg, source, nil, nil, nil, testLogger())
}

const blockRule = `
guardrails:
  - id: no-high-stakes-low-conf
    description: High-stakes actions need real confidence
    conditions:
      - field: stakes
        operator: "=="
        value: high
      - field: confidence
        operator: "<"
        value: 0.5
    action: block
    message: High-stakes action with low confidence
    suggestion: Gather more evidence before proceeding
`

func TestCheckBlocksHighStakesLowConfidence(t *testing.T) {
	e := newEngine(t, blockRule, nil)
	conf := 0.3

	res, err := e.Check(context.Background(), "claude", model.ActionContext{
		Description: "deploy to prod",
		Stakes:      model.StakesHigh,
		Confidence:  &conf,
	})
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, model.SeverityBlock, res.Violations[0].Severity)
	assert.Equal(t, "no-high-stakes-low-conf", res.Violations[0].GuardrailID)
	assert.GreaterOrEqual(t, res.Evaluated, 1)
}

func TestCheckPassesWhenConditionUnmatched(t *testing.T) {
	e := newEngine(t, blockRule, nil)
	conf := 0.9

	res, err := e.Check(context.Background(), "claude", model.ActionContext{
		Description: "deploy to prod",
		Stakes:      model.StakesHigh,
		Confidence:  &conf,
	})
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
	assert.Equal(t, 1, res.Evaluated)
}

func TestRequirementsFailWhenMissing(t *testing.T) {
	e := newEngine(t, `
guardrails:
  - id: db-change-needs-backup
    conditions:
      - field: category
        operator: "=="
        value: database
    requirements: [backup_taken]
    action: warn
    message: Database changes should be preceded by a backup
`, nil)

	res, err := e.Check(context.Background(), "claude", model.ActionContext{
		Description: "drop unused index",
		Category:    "database",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "warn severity never blocks")
	require.Len(t, res.Violations, 1)
	assert.Equal(t, model.SeverityWarn, res.Violations[0].Severity)

	res, err = e.Check(context.Background(), "claude", model.ActionContext{
		Description: "drop unused index",
		Category:    "database",
		Context:     map[string]any{"backup_taken": true},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
}

func TestScopeSkipsOtherProjects(t *testing.T) {
	e := newEngine(t, `
guardrails:
  - id: scoped
    scope: [payments]
    conditions:
      - field: stakes
        operator: "=="
        value: high
    requirements: [approved]
    action: block
    message: scoped rule
`, nil)

	res, err := e.Check(context.Background(), "claude", model.ActionContext{
		Description: "risky change",
		Stakes:      model.StakesHigh,
		Project:     "infra",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Evaluated, "out-of-scope rules are skipped entirely")

	res, err = e.Check(context.Background(), "claude", model.ActionContext{
		Description: "risky change",
		Stakes:      model.StakesHigh,
		Project:     "payments",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCompoundConditions(t *testing.T) {
	e := newEngine(t, `
guardrails:
  - id: compound
    conditions:
      - kind: compound
        op: or
        conditions:
          - field: category
            operator: "=="
            value: security
          - field: stakes
            operator: in
            value: [high, critical]
    requirements: [reviewed_by_human]
    action: block
    message: needs human review
`, nil)

	tests := []struct {
		name    string
		action  model.ActionContext
		allowed bool
	}{
		{"matches via category", model.ActionContext{Description: "x", Category: "security"}, false},
		{"matches via stakes in list", model.ActionContext{Description: "x", Stakes: model.StakesCritical}, false},
		{"no branch matches", model.ActionContext{Description: "x", Category: "docs", Stakes: model.StakesLow}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Check(context.Background(), "claude", tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
		})
	}
}

func TestTemporalCondition(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	for i, age := range []time.Duration{time.Minute, 30 * time.Minute, 48 * time.Hour} {
		d := model.Decision{
			ID:           string(rune('a'+i)) + "1111111",
			AgentID:      "claude",
			DecisionText: "rollback deploy",
			Confidence:   0.5,
			Stakes:       model.StakesMedium,
			Category:     "deploy",
			CreatedAt:    now.Add(-age),
		}
		require.NoError(t, store.Save(ctx, d))
	}

	e := newEngine(t, `
guardrails:
  - id: deploy-storm
    conditions:
      - kind: temporal
        window: 1h
        count: 2
        where:
          category: deploy
    requirements: [storm_acknowledged]
    action: warn
    message: multiple deploy decisions within the hour
`, store)

	res, err := e.Check(ctx, "claude", model.ActionContext{Description: "deploy again"})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1, "two in-window decisions meet count=2")

	e2 := newEngine(t, `
guardrails:
  - id: deploy-storm
    conditions:
      - kind: temporal
        window: 1h
        count: 5
        where:
          category: deploy
    requirements: [storm_acknowledged]
    action: warn
    message: multiple deploy decisions within the hour
`, store)
	res, err = e2.Check(ctx, "claude", model.ActionContext{Description: "deploy again"})
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
}

func TestSemanticCondition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	emb := embedding.NewHashProvider(128)
	idx := vector.NewMemoryIndex()

	failed := model.Decision{
		ID:           "deadbeef",
		AgentID:      "claude",
		DecisionText: "deploy database migration without backup",
		Confidence:   0.7,
		Stakes:       model.StakesHigh,
		Category:     "database",
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
		Outcome:      &model.Outcome{Outcome: model.OutcomeFailure, ActualResult: "data loss", ReviewedAt: time.Now().UTC()},
	}
	require.NoError(t, store.Save(ctx, failed))
	vecs, err := emb.Embed(ctx, []string{failed.DecisionText})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, []vector.Point{{ID: failed.ID, Embedding: vecs[0], Category: failed.Category}}))

	dir := writeRules(t, `
guardrails:
  - id: similar-failure
    conditions:
      - kind: semantic
        threshold: 0.5
        where:
          category: database
    requirements: [failure_reviewed]
    action: block
    message: a similar past action failed
`)
	reg, err := NewRegistry([]string{dir}, testLogger())
	require.NoError(t, err)
	e := NewEngine(reg, store, emb, idx, nil, testLogger())

	res, err := e.Check(ctx, "claude", model.ActionContext{
		Description: "deploy database migration without backup",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed, "near-identical description to a failed decision")

	res, err = e.Check(ctx, "claude", model.ActionContext{
		Description: "update readme typo",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := writeRules(t, `
guardrails:
  - id: dup
    conditions: [{field: stakes, operator: "==", value: high}]
    action: warn
    message: one
  - id: dup
    conditions: [{field: stakes, operator: "==", value: low}]
    action: warn
    message: two
`)
	_, err := Load([]string{dir})
	assert.ErrorContains(t, err, "duplicate id")
}

func TestLoadRejectsUnknownOperator(t *testing.T) {
	dir := writeRules(t, `
guardrails:
  - id: bad-op
    conditions: [{field: stakes, operator: "~=", value: high}]
    action: warn
    message: bad
`)
	_, err := Load([]string{dir})
	assert.ErrorContains(t, err, "unknown operator")
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	entry := Entry{
		At:          time.Now().UTC().Truncate(time.Second),
		AgentID:     "claude",
		Description: "deploy to prod",
		Allowed:     false,
		Evaluated:   3,
		Violations:  []model.GuardrailResult{{GuardrailID: "r1", Matched: true, Severity: model.SeverityBlock}},
	}
	require.NoError(t, j.Append(entry))
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	entries, err := ReadEntries(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.AgentID, entries[0].AgentID)
	assert.False(t, entries[0].Allowed)
	assert.Len(t, entries[0].Violations, 1)
}

func TestEngineJournalsEvaluations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	dir := writeRules(t, blockRule)
	reg, err := NewRegistry([]string{dir}, testLogger())
	require.NoError(t, err)
	e := NewEngine(reg, nil, nil, nil, j, testLogger())

	conf := 0.2
	_, err = e.Check(context.Background(), "claude", model.ActionContext{
		Description: "deploy to prod",
		Stakes:      model.StakesHigh,
		Confidence:  &conf,
	})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	entries, err := ReadEntries(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Allowed)
}
