// Package ready builds the maintenance queue: prioritized follow-up actions
// such as overdue outcome reviews, calibration drift, and stale pending
// decisions.
package ready

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/storage"
)

const (
	// reviewAfter is how long a pending decision without an explicit
	// review_by waits before a review is suggested.
	reviewAfter = 14 * 24 * time.Hour

	// staleAfter is when a pending decision is presumed forgotten.
	staleAfter = 90 * 24 * time.Hour

	defaultLimit = 20
)

// Service assembles the maintenance queue.
type Service struct {
	store       storage.DecisionStore
	calibration *calibration.Service
	logger      *slog.Logger
	now         func() time.Time
}

// New creates the ready service.
func New(store storage.DecisionStore, cal *calibration.Service, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		calibration: cal,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Actions builds, filters, and prioritizes the queue. Partial failures
// (a drift check erroring out) degrade to warnings instead of failing the
// whole response.
func (s *Service) Actions(ctx context.Context, agentID string, p model.ReadyParams) (model.ReadyResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > model.MaxPageSize {
		limit = model.MaxPageSize
	}

	var result model.ReadyResult
	actions, err := s.reviewActions(ctx, agentID)
	if err != nil {
		return model.ReadyResult{}, err
	}

	drift, err := s.driftActions(ctx, agentID)
	if err != nil {
		s.logger.Warn("ready: drift check failed", "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("drift check unavailable: %v", err))
	} else {
		actions = append(actions, drift...)
	}

	result.Total = len(actions)
	filtered := filterActions(actions, p)
	result.Filtered = len(filtered)

	sortActions(filtered)
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	if filtered == nil {
		filtered = []model.ReadyAction{}
	}
	result.Actions = filtered
	return result, nil
}

// reviewActions scans pending decisions for overdue reviews and stale
// entries.
func (s *Service) reviewActions(ctx context.Context, agentID string) ([]model.ReadyAction, error) {
	now := s.now()
	var actions []model.ReadyAction

	offset := 0
	for {
		page, err := s.store.List(ctx, model.ListQuery{
			Filters: model.QueryFilters{AgentID: agentID, Status: []model.Status{model.StatusPending}},
			Offset:  offset,
			Limit:   model.MaxPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("ready: list pending: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, d := range page.Items {
			if a, ok := reviewAction(&d, now); ok {
				actions = append(actions, a)
			}
		}
		offset += len(page.Items)
		if offset >= page.Total {
			break
		}
	}
	return actions, nil
}

// reviewAction classifies a single pending decision.
func reviewAction(d *model.Decision, now time.Time) (model.ReadyAction, bool) {
	age := now.Sub(d.CreatedAt)

	if d.ReviewBy != nil && now.After(*d.ReviewBy) {
		return model.ReadyAction{
			Type:       model.ReadyReviewOutcome,
			Priority:   model.PriorityHigh,
			DecisionID: d.ID,
			Category:   d.Category,
			Date:       d.ReviewBy,
			Title:      d.Summary(),
			Reason:     fmt.Sprintf("review was due %s", d.ReviewBy.Format("2006-01-02")),
			Suggestion: "record the outcome with reviewDecision",
		}, true
	}

	if age > staleAfter {
		created := d.CreatedAt
		return model.ReadyAction{
			Type:       model.ReadyStalePending,
			Priority:   model.PriorityLow,
			DecisionID: d.ID,
			Category:   d.Category,
			Date:       &created,
			Title:      d.Summary(),
			Reason:     fmt.Sprintf("pending for %d days with no outcome", int(age.Hours()/24)),
			Suggestion: "review it, or close it out as abandoned",
		}, true
	}

	if age > reviewAfter {
		created := d.CreatedAt
		return model.ReadyAction{
			Type:       model.ReadyReviewOutcome,
			Priority:   model.PriorityMedium,
			DecisionID: d.ID,
			Category:   d.Category,
			Date:       &created,
			Title:      d.Summary(),
			Reason:     fmt.Sprintf("unreviewed for %d days", int(age.Hours()/24)),
			Suggestion: "record the outcome with reviewDecision",
		}, true
	}

	return model.ReadyAction{}, false
}

// driftActions runs the drift check per category the agent is active in.
func (s *Service) driftActions(ctx context.Context, agentID string) ([]model.ReadyAction, error) {
	stats, err := s.store.Stats(ctx, model.StatsWindow{}, model.QueryFilters{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("ready: stats: %w", err)
	}

	categories := make([]string, 0, len(stats.ByCategory))
	for cat := range stats.ByCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var actions []model.ReadyAction
	for _, cat := range categories {
		report, err := s.calibration.Drift(ctx, model.DriftParams{Category: cat})
		if err != nil {
			return nil, err
		}
		for _, alert := range report.Alerts {
			priority := model.PriorityMedium
			if alert.Severity == "error" {
				priority = model.PriorityHigh
			}
			at := report.EvaluatedAt
			actions = append(actions, model.ReadyAction{
				Type:       model.ReadyCalibrationDrift,
				Priority:   priority,
				Category:   cat,
				Date:       &at,
				Title:      string(alert.Type),
				Reason:     alert.Message,
				Suggestion: "inspect recent outcomes in this category and recalibrate confidence",
				Detail: map[string]any{
					"recent":     alert.Recent,
					"historical": alert.Historical,
					"change":     alert.Change,
				},
			})
		}
	}
	return actions, nil
}

func filterActions(actions []model.ReadyAction, p model.ReadyParams) []model.ReadyAction {
	typeAllowed := func(t model.ReadyActionType) bool {
		if len(p.ActionTypes) == 0 {
			return true
		}
		for _, v := range p.ActionTypes {
			if v == t {
				return true
			}
		}
		return false
	}

	var out []model.ReadyAction
	for _, a := range actions {
		if p.MinPriority != "" && a.Priority.Rank() < p.MinPriority.Rank() {
			continue
		}
		if !typeAllowed(a.Type) {
			continue
		}
		if p.Category != "" && a.Category != p.Category {
			continue
		}
		out = append(out, a)
	}
	return out
}

// sortActions orders by priority, then type, then date (oldest first), then
// decision id for determinism.
func sortActions(actions []model.ReadyAction) {
	sort.Slice(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		switch {
		case a.Date == nil:
			return false
		case b.Date == nil:
			return true
		case !a.Date.Equal(*b.Date):
			return a.Date.Before(*b.Date)
		}
		return a.DecisionID < b.DecisionID
	})
}
