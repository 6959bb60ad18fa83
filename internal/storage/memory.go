package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
)

// MemoryStore is the in-memory reference DecisionStore used in tests and
// single-process deployments without a persistence path configured.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]model.Decision
}

// NewMemoryStore creates an empty in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[string]model.Decision)}
}

// Save persists a decision, idempotent by id.
func (s *MemoryStore) Save(_ context.Context, d model.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.decisions[d.ID]; ok {
		if prev.Reviewed() {
			if err := checkReviewedResave(&prev, &d); err != nil {
				return err
			}
		}
		d.CreatedAt = prev.CreatedAt
		d.AgentID = prev.AgentID
		now := time.Now().UTC()
		d.UpdatedAt = &now
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	s.decisions[d.ID] = clone(d)
	return nil
}

// checkReviewedResave enforces the immutability of reviewed decisions:
// only outcome lessons may change.
func checkReviewedResave(prev, next *model.Decision) error {
	frozen := clone(*next)
	if frozen.Outcome != nil && prev.Outcome != nil {
		frozen.Outcome.Lessons = prev.Outcome.Lessons
	}
	frozen.UpdatedAt = prev.UpdatedAt
	frozen.CreatedAt = prev.CreatedAt
	frozen.AgentID = prev.AgentID

	a, _ := json.Marshal(clone(*prev))
	b, _ := json.Marshal(frozen)
	if string(a) != string(b) {
		return ErrAlreadyReviewed
	}
	return nil
}

// Get returns a decision by id.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return model.Decision{}, ErrNotFound
	}
	return clone(d), nil
}

// List returns a deterministic page of decisions. Sort is by created_at with
// id as tiebreaker so pagination windows never overlap or gap.
func (s *MemoryStore) List(_ context.Context, q model.ListQuery) (model.ListResult, error) {
	q.Normalize()

	s.mu.RLock()
	matched := make([]model.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		if q.Filters.Match(&d) && matchSearch(&d, q.Filters.Search) {
			matched = append(matched, clone(d))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.SortDesc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	if q.Offset >= total || q.Limit == 0 {
		return model.ListResult{Items: []model.Decision{}, Total: total}, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return model.ListResult{Items: matched[q.Offset:end], Total: total}, nil
}

func matchSearch(d *model.Decision, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(d.SearchableText()), strings.ToLower(search))
}

// Stats aggregates counts over the filtered set.
func (s *MemoryStore) Stats(_ context.Context, window model.StatsWindow, filters model.QueryFilters) (model.DecisionStats, error) {
	stats := model.DecisionStats{
		ByCategory: map[string]int{},
		ByStakes:   map[string]int{},
		ByStatus:   map[string]int{},
		ByAgent:    map[string]int{},
		ByDay:      map[string]int{},
	}
	tagCounts := map[string]int{}
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.decisions {
		if !filters.Match(&d) {
			continue
		}
		if window.After != nil && d.CreatedAt.Before(*window.After) {
			continue
		}
		if window.Before != nil && d.CreatedAt.After(*window.Before) {
			continue
		}
		stats.Total++
		stats.ByCategory[d.Category]++
		stats.ByStakes[string(d.Stakes)]++
		if d.Reviewed() {
			stats.ByStatus[string(model.StatusReviewed)]++
		} else {
			stats.ByStatus[string(model.StatusPending)]++
		}
		stats.ByAgent[d.AgentID]++
		stats.ByDay[d.CreatedAt.Format("2006-01-02")]++
		for _, t := range d.Tags {
			tagCounts[t]++
		}
		age := now.Sub(d.CreatedAt)
		if age <= 24*time.Hour {
			stats.Last24h++
		}
		if age <= 7*24*time.Hour {
			stats.Last7d++
		}
		if age <= 30*24*time.Hour {
			stats.Last30d++
		}
	}

	stats.TopTags = topTags(tagCounts, 10)
	return stats, nil
}

func topTags(counts map[string]int, n int) []model.TagCount {
	tags := make([]model.TagCount, 0, len(counts))
	for t, c := range counts {
		tags = append(tags, model.TagCount{Tag: t, Count: c})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

// UpdateOutcome attaches an outcome to a pending decision.
func (s *MemoryStore) UpdateOutcome(_ context.Context, id string, outcome model.Outcome) error {
	if !model.ValidOutcome(outcome.Outcome) {
		return fmt.Errorf("storage: invalid outcome %q", outcome.Outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return ErrNotFound
	}
	if d.Reviewed() {
		return ErrAlreadyReviewed
	}
	if outcome.ReviewedAt.IsZero() {
		outcome.ReviewedAt = time.Now().UTC()
	}
	d.Outcome = &outcome
	now := time.Now().UTC()
	d.UpdatedAt = &now
	s.decisions[id] = d
	return nil
}

// Count returns the number of decisions matching the filters.
func (s *MemoryStore) Count(_ context.Context, filters model.QueryFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.decisions {
		if filters.Match(&d) {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// clone deep-copies a decision so callers can't mutate stored state.
func clone(d model.Decision) model.Decision {
	out := d
	out.Reasons = append([]model.Reason(nil), d.Reasons...)
	out.Tags = append([]string(nil), d.Tags...)
	out.Related = append([]model.RelatedDecision(nil), d.Related...)
	if d.Bridge != nil {
		b := *d.Bridge
		b.Tolerance = append([]string(nil), d.Bridge.Tolerance...)
		b.Enforcement = append([]string(nil), d.Bridge.Enforcement...)
		b.Prevention = append([]string(nil), d.Bridge.Prevention...)
		out.Bridge = &b
	}
	if d.Outcome != nil {
		o := *d.Outcome
		out.Outcome = &o
	}
	if d.Quality != nil {
		q := *d.Quality
		q.Suggestions = append([]string(nil), d.Quality.Suggestions...)
		out.Quality = &q
	}
	if d.Deliberation != nil {
		t := *d.Deliberation
		t.Inputs = append([]model.TrackedInput(nil), d.Deliberation.Inputs...)
		t.Steps = append([]model.DeliberationStep(nil), d.Deliberation.Steps...)
		out.Deliberation = &t
	}
	if d.UpdatedAt != nil {
		v := *d.UpdatedAt
		out.UpdatedAt = &v
	}
	if d.ReviewBy != nil {
		v := *d.ReviewBy
		out.ReviewBy = &v
	}
	return out
}
