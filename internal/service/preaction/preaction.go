// Package preaction implements the composite pre-action flow: one call that
// checks guardrails, retrieves similar past decisions, summarizes patterns,
// and reports the agent's calibration tendency before it acts.
package preaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/service/decisions"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/service/ready"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/tracker"
)

const (
	defaultQueryLimit   = 5
	sessionRecentLimit  = 10
	sessionReadyLimit   = 5
	sessionPatternScan  = 100
	sessionPatternLimit = 5
)

// Service orchestrates the pre-action and session-context flows.
type Service struct {
	store       storage.DecisionStore
	queries     *query.Service
	guard       *guardrail.Engine
	calibration *calibration.Service
	decisions   *decisions.Service
	ready       *ready.Service
	logger      *slog.Logger
}

// New creates the pre-action service.
func New(store storage.DecisionStore, queries *query.Service, guard *guardrail.Engine, cal *calibration.Service, dec *decisions.Service, rdy *ready.Service, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		queries:     queries,
		guard:       guard,
		calibration: cal,
		decisions:   dec,
		ready:       rdy,
		logger:      logger,
	}
}

// PreAction runs the guardrail check, the similarity query, and the
// calibration lookup concurrently, then optionally records the decision when
// nothing blocked.
func (s *Service) PreAction(ctx context.Context, transport, agentID string, p model.PreActionParams) (model.PreActionResult, error) {
	queryLimit := p.Options.QueryLimit
	if queryLimit <= 0 {
		queryLimit = defaultQueryLimit
	}
	if queryLimit > model.MaxPageSize {
		queryLimit = model.MaxPageSize
	}
	includePatterns := p.Options.IncludePatterns == nil || *p.Options.IncludePatterns
	autoRecord := p.Options.AutoRecord == nil || *p.Options.AutoRecord

	key := tracker.Key(transport, agentID, "")

	var (
		check    model.CheckResult
		queryRes model.QueryResult
		calCtx   model.CalibrationContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		check, err = s.guard.Check(gctx, agentID, p.Action)
		if err != nil {
			return fmt.Errorf("preaction: guardrail check: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		qp := model.QueryParams{Query: p.Action.Description, Limit: &queryLimit}
		if err := qp.Validate(); err != nil {
			return fmt.Errorf("preaction: query params: %w", err)
		}
		var err error
		queryRes, err = s.queries.Query(gctx, key, qp)
		if err != nil {
			return fmt.Errorf("preaction: query: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		calCtx, err = s.calibration.Context(gctx, agentID, p.Action.Category)
		if err != nil {
			return fmt.Errorf("preaction: calibration: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.PreActionResult{}, err
	}

	result := model.PreActionResult{
		Allowed:            check.Allowed,
		GuardrailResults:   check.Violations,
		RelevantDecisions:  queryRes.Results,
		CalibrationContext: &calCtx,
	}
	if includePatterns {
		result.PatternsSummary = patternSummaries(queryRes.Results)
	}

	if !check.Allowed {
		for _, v := range check.Violations {
			if v.Severity == model.SeverityBlock {
				result.BlockReasons = append(result.BlockReasons, v)
			}
		}
		return result, nil
	}

	if autoRecord {
		rp, ok := recordParams(&p)
		if ok {
			// The tracked query above becomes the decision's deliberation;
			// its hits seed the related set.
			rec, err := s.decisions.Record(ctx, transport, agentID, rp)
			if err != nil {
				return model.PreActionResult{}, fmt.Errorf("preaction: auto record: %w", err)
			}
			result.DecisionID = rec.ID
		}
	}
	return result, nil
}

// recordParams assembles the auto-record input. Explicit record fields win;
// otherwise the action context is promoted to a minimal decision. Without a
// confidence value from either source nothing is recorded.
func recordParams(p *model.PreActionParams) (model.RecordParams, bool) {
	if p.Record != nil {
		rp := *p.Record
		if rp.Decision == "" {
			rp.Decision = p.Action.Description
		}
		if rp.Category == "" {
			rp.Category = p.Action.Category
		}
		if rp.Stakes == "" {
			rp.Stakes = p.Action.Stakes
		}
		if err := rp.Validate(); err != nil {
			return model.RecordParams{}, false
		}
		return rp, true
	}

	if p.Action.Confidence == nil || p.Action.Category == "" {
		return model.RecordParams{}, false
	}
	rp := model.RecordParams{
		Decision:   p.Action.Description,
		Category:   p.Action.Category,
		Stakes:     p.Action.Stakes,
		Confidence: *p.Action.Confidence,
		Project:    p.Action.Project,
	}
	if err := rp.Validate(); err != nil {
		return model.RecordParams{}, false
	}
	return rp, true
}

// patternSummaries deduplicates the pattern strings carried by the retrieved
// decisions. A confirmation is a reviewed, successful decision using the
// pattern.
func patternSummaries(hits []model.QueryHit) []model.PatternSummary {
	confirmations := map[string]int{}
	order := []string{}
	for _, h := range hits {
		pat := h.Decision.Pattern
		if pat == "" {
			continue
		}
		if _, seen := confirmations[pat]; !seen {
			order = append(order, pat)
			confirmations[pat] = 0
		}
		if h.Decision.Outcome != nil && h.Decision.Outcome.Outcome == model.OutcomeSuccess {
			confirmations[pat]++
		}
	}

	out := make([]model.PatternSummary, 0, len(order))
	for _, pat := range order {
		out = append(out, model.PatternSummary{Pattern: pat, Confirmations: confirmations[pat]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confirmations > out[j].Confirmations
	})
	return out
}

// SessionContext bundles the read-only working context for an agent: recent
// decisions, active guardrails, calibration by category, top patterns, and
// the head of the maintenance queue.
func (s *Service) SessionContext(ctx context.Context, agentID string, p model.SessionContextParams) (model.SessionContextResult, error) {
	if p.AgentID != "" {
		agentID = p.AgentID
	}
	limit := p.Limit
	if limit <= 0 {
		limit = sessionRecentLimit
	}
	if limit > model.MaxPageSize {
		limit = model.MaxPageSize
	}

	page, err := s.store.List(ctx, model.ListQuery{
		Filters:  model.QueryFilters{AgentID: agentID, Project: p.Project},
		Limit:    limit,
		SortDesc: true,
	})
	if err != nil {
		return model.SessionContextResult{}, fmt.Errorf("preaction: recent decisions: %w", err)
	}

	calCtxs, err := s.calibration.ContextsByCategory(ctx, agentID)
	if err != nil {
		return model.SessionContextResult{}, err
	}

	readyRes, err := s.ready.Actions(ctx, agentID, model.ReadyParams{Limit: sessionReadyLimit})
	if err != nil {
		return model.SessionContextResult{}, err
	}

	patterns, err := s.topPatterns(ctx, agentID, p.Project)
	if err != nil {
		return model.SessionContextResult{}, err
	}

	return model.SessionContextResult{
		RecentDecisions: page.Items,
		Guardrails:      s.guard.Rules(),
		Calibration:     calCtxs,
		TopPatterns:     patterns,
		ReadyActions:    readyRes.Actions,
	}, nil
}

// topPatterns scans the agent's recent decisions for recurring patterns.
func (s *Service) topPatterns(ctx context.Context, agentID, project string) ([]model.PatternSummary, error) {
	counts := map[string]int{}
	confirmed := map[string]int{}

	scanned := 0
	offset := 0
	for scanned < sessionPatternScan {
		page, err := s.store.List(ctx, model.ListQuery{
			Filters:  model.QueryFilters{AgentID: agentID, Project: project},
			Offset:   offset,
			Limit:    model.MaxPageSize,
			SortDesc: true,
		})
		if err != nil {
			return nil, fmt.Errorf("preaction: pattern scan: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, d := range page.Items {
			scanned++
			if d.Pattern == "" {
				continue
			}
			counts[d.Pattern]++
			if d.Outcome != nil && d.Outcome.Outcome == model.OutcomeSuccess {
				confirmed[d.Pattern]++
			}
		}
		offset += len(page.Items)
		if offset >= page.Total {
			break
		}
	}

	out := make([]model.PatternSummary, 0, len(counts))
	for pat := range counts {
		out = append(out, model.PatternSummary{Pattern: pat, Confirmations: confirmed[pat]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confirmations != out[j].Confirmations {
			return out[i].Confirmations > out[j].Confirmations
		}
		return out[i].Pattern < out[j].Pattern
	})
	if len(out) > sessionPatternLimit {
		out = out[:sessionPatternLimit]
	}
	return out, nil
}
