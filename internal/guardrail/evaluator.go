package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/vector"
)

// DecisionSource is the slice of the decision store the extended evaluators
// need. storage.DecisionStore satisfies it.
type DecisionSource interface {
	Get(ctx context.Context, id string) (model.Decision, error)
	Count(ctx context.Context, filters model.QueryFilters) (int, error)
	Stats(ctx context.Context, window model.StatsWindow, filters model.QueryFilters) (model.DecisionStats, error)
}

// Embedder is the embedding slice the semantic evaluator needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the vector-store slice the semantic evaluator needs.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, filter vector.Filter, limit int) ([]vector.Result, error)
}

// Engine evaluates actions against the registry's current rule snapshot.
// Extended condition kinds (semantic, temporal, aggregate) consult the
// decision corpus; the plain field kind needs only the action context.
type Engine struct {
	registry *Registry
	source   DecisionSource
	embedder Embedder
	searcher Searcher
	journal  *Journal
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a guardrail evaluator. source, embedder and searcher may
// be nil when no rules use the extended condition kinds; evaluating such a
// rule without its dependency is an error. journal may be nil to disable
// evaluation journaling.
func NewEngine(registry *Registry, source DecisionSource, embedder Embedder, searcher Searcher, journal *Journal, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		source:   source,
		embedder: embedder,
		searcher: searcher,
		journal:  journal,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rules exposes the current snapshot for the listing surface.
func (e *Engine) Rules() []model.Guardrail {
	e.registry.MaybeReload()
	return e.registry.Rules()
}

// Check evaluates the action against every loaded rule in id order.
func (e *Engine) Check(ctx context.Context, agentID string, action model.ActionContext) (model.CheckResult, error) {
	result := model.CheckResult{
		Allowed:     true,
		Violations:  []model.GuardrailResult{},
		EvaluatedAt: e.now(),
	}

	for _, rule := range e.registry.Rules() {
		if skipByScope(&rule, &action) {
			continue
		}
		result.Evaluated++

		rr, err := e.evaluateRule(ctx, &rule, &action)
		if err != nil {
			return model.CheckResult{}, fmt.Errorf("guardrail: rule %q: %w", rule.ID, err)
		}
		if rr.Severity == model.SeverityBlock {
			result.Allowed = false
		}
		if rr.Severity != model.SeverityPass {
			result.Violations = append(result.Violations, rr)
		}
	}

	if e.journal != nil {
		if err := e.journal.Append(Entry{
			At:          result.EvaluatedAt,
			AgentID:     agentID,
			Description: action.Description,
			Allowed:     result.Allowed,
			Evaluated:   result.Evaluated,
			Violations:  result.Violations,
		}); err != nil {
			// Journaling is best effort; the check result stands.
			e.logger.Error("guardrail: journal append failed", "error", err)
		}
	}
	return result, nil
}

// skipByScope skips rules whose scope list does not include the action's
// project.
func skipByScope(rule *model.Guardrail, action *model.ActionContext) bool {
	if len(rule.Scope) == 0 {
		return false
	}
	for _, p := range rule.Scope {
		if p == action.Project {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateRule(ctx context.Context, rule *model.Guardrail, action *model.ActionContext) (model.GuardrailResult, error) {
	rr := model.GuardrailResult{GuardrailID: rule.ID, Severity: model.SeverityPass, Passed: true}

	matched := true
	for i := range rule.Conditions {
		ok, err := e.evaluateCondition(ctx, &rule.Conditions[i], action)
		if err != nil {
			return model.GuardrailResult{}, err
		}
		if !ok {
			matched = false
			break
		}
	}
	rr.Matched = matched
	if !matched {
		return rr, nil
	}

	// Conditions hold; a requirement fails when the named field is missing
	// or falsy.
	for _, req := range rule.Requirements {
		if !truthy(action, req) {
			rr.Passed = false
			break
		}
	}
	if rr.Passed {
		return rr, nil
	}

	rr.Message = rule.Message
	rr.Suggestion = rule.Suggestion
	if rule.Action == model.ActionBlock {
		rr.Severity = model.SeverityBlock
	} else {
		rr.Severity = model.SeverityWarn
	}
	return rr, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, c *model.Condition, action *model.ActionContext) (bool, error) {
	switch c.Kind {
	case "", model.ConditionField:
		return evalField(c, action), nil
	case model.ConditionCompound:
		return e.evalCompound(ctx, c, action)
	case model.ConditionSemantic:
		return e.evalSemantic(ctx, c, action)
	case model.ConditionTemporal:
		return e.evalTemporal(ctx, c)
	case model.ConditionAggregate:
		return e.evalAggregate(ctx, c)
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}

func (e *Engine) evalCompound(ctx context.Context, c *model.Condition, action *model.ActionContext) (bool, error) {
	for i := range c.Sub {
		ok, err := e.evaluateCondition(ctx, &c.Sub[i], action)
		if err != nil {
			return false, err
		}
		if c.Op == "or" && ok {
			return true, nil
		}
		if c.Op == "and" && !ok {
			return false, nil
		}
	}
	return c.Op == "and", nil
}

// semanticFetchLimit bounds how many past decisions a semantic condition
// inspects.
const semanticFetchLimit = 20

// evalSemantic matches when a past decision similar to the action's
// description (similarity >= threshold, restricted by where) ended in
// failure.
func (e *Engine) evalSemantic(ctx context.Context, c *model.Condition, action *model.ActionContext) (bool, error) {
	if e.embedder == nil || e.searcher == nil || e.source == nil {
		return false, fmt.Errorf("semantic condition requires an embedding provider and vector store")
	}

	vecs, err := e.embedder.Embed(ctx, []string{action.Description})
	if err != nil {
		return false, fmt.Errorf("embed action description: %w", err)
	}

	filters := whereFilters(c.Where)
	hits, err := e.searcher.Search(ctx, vecs[0], vector.Filter{
		AgentID:  filters.AgentID,
		Category: filters.Category,
		Project:  filters.Project,
	}, semanticFetchLimit)
	if err != nil {
		return false, fmt.Errorf("semantic search: %w", err)
	}

	for _, hit := range hits {
		if hit.Score < c.Threshold {
			continue
		}
		d, err := e.source.Get(ctx, hit.ID)
		if err != nil {
			// Stale index entries don't fail the evaluation.
			e.logger.Warn("guardrail: semantic hit not in store", "id", hit.ID)
			continue
		}
		if !filters.Match(&d) {
			continue
		}
		if d.Outcome != nil && d.Outcome.Outcome == model.OutcomeFailure {
			return true, nil
		}
	}
	return false, nil
}

// evalTemporal matches when at least Count decisions meeting the criteria
// were recorded within the window.
func (e *Engine) evalTemporal(ctx context.Context, c *model.Condition) (bool, error) {
	if e.source == nil {
		return false, fmt.Errorf("temporal condition requires a decision source")
	}

	filters := whereFilters(c.Where)
	since := e.now().Add(-c.Window.Std())
	filters.DateAfter = &since

	n, err := e.source.Count(ctx, filters)
	if err != nil {
		return false, fmt.Errorf("temporal count: %w", err)
	}
	want := c.Count
	if want <= 0 {
		want = 1
	}
	return n >= want, nil
}

// evalAggregate matches when a computed statistic crosses the threshold.
// Supported metrics: failure_rate, success_rate, review_rate, total.
func (e *Engine) evalAggregate(ctx context.Context, c *model.Condition) (bool, error) {
	if e.source == nil {
		return false, fmt.Errorf("aggregate condition requires a decision source")
	}

	filters := whereFilters(c.Where)
	if c.Category != "" {
		filters.Category = c.Category
	}
	window := model.StatsWindow{}
	if c.Window > 0 {
		since := e.now().Add(-c.Window.Std())
		window.After = &since
	}

	stats, err := e.source.Stats(ctx, window, filters)
	if err != nil {
		return false, fmt.Errorf("aggregate stats: %w", err)
	}
	if stats.Total == 0 {
		return false, nil
	}

	reviewed := stats.ByStatus[string(model.StatusReviewed)]
	var value float64
	switch c.Metric {
	case "total":
		value = float64(stats.Total)
	case "review_rate":
		value = float64(reviewed) / float64(stats.Total)
	case "failure_rate", "success_rate":
		// Outcome mix isn't part of DecisionStats; count reviewed failures
		// directly.
		failFilters := filters
		hasOutcome := true
		failFilters.HasOutcome = &hasOutcome
		total, err := e.source.Count(ctx, failFilters)
		if err != nil {
			return false, fmt.Errorf("aggregate count: %w", err)
		}
		if total == 0 {
			return false, nil
		}
		failures, err := e.countByOutcome(ctx, failFilters, model.OutcomeFailure)
		if err != nil {
			return false, err
		}
		if c.Metric == "failure_rate" {
			value = float64(failures) / float64(total)
		} else {
			value = 1 - float64(failures)/float64(total)
		}
	default:
		return false, fmt.Errorf("unknown aggregate metric %q", c.Metric)
	}
	return value >= c.Threshold, nil
}

// countByOutcome needs per-outcome counts the store doesn't aggregate, so it
// relies on the source also implementing a lister. Falls back to zero when it
// doesn't.
func (e *Engine) countByOutcome(ctx context.Context, filters model.QueryFilters, outcome model.OutcomeKind) (int, error) {
	lister, ok := e.source.(interface {
		List(ctx context.Context, q model.ListQuery) (model.ListResult, error)
	})
	if !ok {
		return 0, nil
	}
	count := 0
	offset := 0
	for {
		page, err := lister.List(ctx, model.ListQuery{Filters: filters, Offset: offset, Limit: model.MaxPageSize})
		if err != nil {
			return 0, fmt.Errorf("aggregate list: %w", err)
		}
		for _, d := range page.Items {
			if d.Outcome != nil && d.Outcome.Outcome == outcome {
				count++
			}
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			return count, nil
		}
	}
}

// whereFilters translates a rule's free-form where map into query filters.
// Unknown keys are ignored.
func whereFilters(where map[string]any) model.QueryFilters {
	var f model.QueryFilters
	for k, v := range where {
		switch k {
		case "category":
			f.Category, _ = v.(string)
		case "project":
			f.Project, _ = v.(string)
		case "agent", "agent_id":
			f.AgentID, _ = v.(string)
		case "feature":
			f.Feature, _ = v.(string)
		case "stakes":
			if s, ok := v.(string); ok {
				f.Stakes = []model.Stakes{model.Stakes(s)}
			}
		case "tags":
			if list, ok := v.([]any); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						f.Tags = append(f.Tags, s)
					}
				}
			}
		case "has_outcome":
			if b, ok := v.(bool); ok {
				f.HasOutcome = &b
			}
		}
	}
	return f
}

// evalField tests one reserved or context field against the condition's
// operator and value. Missing fields never match.
func evalField(c *model.Condition, action *model.ActionContext) bool {
	val, ok := action.Field(c.Field)
	if !ok {
		return false
	}
	return compare(val, c.Operator, c.Value)
}

func compare(val any, op model.Operator, want any) bool {
	switch op {
	case model.OpEq:
		return looseEqual(val, want)
	case model.OpNe:
		return !looseEqual(val, want)
	case model.OpLt, model.OpGt, model.OpLe, model.OpGe:
		a, aok := toFloat(val)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case model.OpLt:
			return a < b
		case model.OpGt:
			return a > b
		case model.OpLe:
			return a <= b
		default:
			return a >= b
		}
	case model.OpIn:
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	case model.OpContains:
		switch v := val.(type) {
		case string:
			w, ok := want.(string)
			return ok && strings.Contains(strings.ToLower(v), strings.ToLower(w))
		case []any:
			for _, item := range v {
				if looseEqual(item, want) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// looseEqual compares values across the YAML/JSON numeric type boundary.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// truthy reports whether a requirement field is present and non-falsy.
func truthy(action *model.ActionContext, name string) bool {
	val, ok := action.Field(name)
	if !ok || val == nil {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	if f, ok := toFloat(val); ok {
		return f != 0
	}
	return true
}
