// Package decisions implements the decision lifecycle: guarded record,
// update, review, fetch, graph linkage, reindex, and outcome attribution.
package decisions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/graph"
	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/service/quality"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/telemetry"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

var (
	// ErrNotOwner is returned when an agent updates a decision it didn't
	// record.
	ErrNotOwner = errors.New("decisions: decision belongs to another agent")

	// ErrNotReviewed is returned when outcome attribution is requested for a
	// decision without an outcome.
	ErrNotReviewed = errors.New("decisions: decision has no outcome yet")
)

// KeywordInvalidator lets the decision service drop the query service's BM25
// cache after writes.
type KeywordInvalidator interface {
	InvalidateKeywords()
}

// Service owns decision writes and the derived index/graph state.
type Service struct {
	store    storage.DecisionStore
	vectors  vector.Store
	embedder embedding.Provider
	graph    graph.Store
	guard    *guardrail.Engine
	tracker  *tracker.Tracker
	keywords KeywordInvalidator
	logger   *slog.Logger
	now      func() time.Time

	embeddingDuration metric.Float64Histogram
}

// New creates the decision service. keywords may be nil when no query
// service shares the process (tests).
func New(store storage.DecisionStore, vectors vector.Store, embedder embedding.Provider, g graph.Store, guard *guardrail.Engine, trk *tracker.Tracker, keywords KeywordInvalidator, logger *slog.Logger) *Service {
	meter := telemetry.Meter("cstp/decisions")
	embDur, _ := meter.Float64Histogram("cstp.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		vectors:           vectors,
		embedder:          embedder,
		graph:             g,
		guard:             guard,
		tracker:           trk,
		keywords:          keywords,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
		embeddingDuration: embDur,
	}
}

// newID returns a short random hex id, retrying on the unlikely collision.
func (s *Service) newID(ctx context.Context) (string, error) {
	for size := 4; size <= 8; size += 2 {
		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("decisions: generate id: %w", err)
		}
		id := hex.EncodeToString(buf)
		if _, err := s.store.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
	}
	return "", fmt.Errorf("decisions: id space exhausted")
}

// Record runs the full guarded record flow. transport and agentID form the
// tracker session key together with the optional session id in params.
func (s *Service) Record(ctx context.Context, transport, agentID string, p model.RecordParams) (model.RecordResult, error) {
	check, err := s.guard.Check(ctx, agentID, model.ActionContext{
		Description: p.Decision,
		Category:    p.Category,
		Stakes:      p.Stakes,
		Confidence:  &p.Confidence,
		Project:     p.Project,
	})
	if err != nil {
		return model.RecordResult{}, fmt.Errorf("decisions: guardrail check: %w", err)
	}
	if !check.Allowed {
		return model.RecordResult{
			Success:    false,
			Allowed:    false,
			Violations: check.Violations,
		}, nil
	}

	id, err := s.newID(ctx)
	if err != nil {
		return model.RecordResult{}, err
	}

	d := model.Decision{
		ID:           id,
		DecisionText: p.Decision,
		Context:      p.Context,
		Category:     p.Category,
		Stakes:       p.Stakes,
		Confidence:   p.Confidence,
		AgentID:      agentID,
		CreatedAt:    s.now(),
		Project:      p.Project,
		Feature:      p.Feature,
		PR:           p.PR,
		File:         p.File,
		Line:         p.Line,
		Commit:       p.Commit,
		Reasons:      p.Reasons,
		Tags:         p.Tags,
		Pattern:      p.Pattern,
		Bridge:       p.Bridge,
		ReviewBy:     p.ReviewBy,
	}

	// Capture the deliberation session. The last tracked query also feeds
	// the related-decision extraction below, so peek before consuming.
	key := tracker.Key(transport, agentID, p.SessionID)
	queryHints := lastQueryHints(s.tracker.Peek(key))
	consumed := s.tracker.Consume(key)

	deliberationAuto := consumed != nil
	d.Deliberation = mergeTraces(p.Deliberation, consumed)

	related := s.resolveRelated(ctx, id, p.Related, queryHints)
	d.Related = related

	if d.Deliberation != nil {
		d.Deliberation.Convergence = converged(queryHints, related)
	}

	q := quality.Score(&d)
	d.Quality = &q

	if err := s.store.Save(ctx, d); err != nil {
		return model.RecordResult{}, fmt.Errorf("decisions: persist: %w", err)
	}
	if s.keywords != nil {
		s.keywords.InvalidateKeywords()
	}

	// Failures past this point leave the decision durable and are reported
	// through the indexed/related_count fields.
	indexed := s.index(ctx, &d)
	linked := s.linkRelated(ctx, id, related)

	result := model.RecordResult{
		Success:          true,
		Allowed:          true,
		ID:               id,
		Indexed:          indexed,
		DeliberationAuto: deliberationAuto,
		RelatedCount:     linked,
		Quality:          &q,
		Violations:       check.Violations,
	}
	if d.Deliberation != nil {
		result.DeliberationInputsCount = len(d.Deliberation.Inputs)
	}
	return result, nil
}

// index embeds the decision's searchable text and upserts it into the vector
// store. Returns false (and logs) on failure; reindex recovers later.
func (s *Service) index(ctx context.Context, d *model.Decision) bool {
	start := time.Now()
	vecs, err := s.embedder.Embed(ctx, []string{d.SearchableText()})
	s.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.logger.Error("decisions: embed failed, decision stored unindexed", "id", d.ID, "error", err)
		return false
	}

	err = s.vectors.Upsert(ctx, []vector.Point{{
		ID:          d.ID,
		Embedding:   vecs[0],
		AgentID:     d.AgentID,
		Category:    d.Category,
		Project:     d.Project,
		CreatedUnix: d.CreatedAt.Unix(),
	}})
	if err != nil {
		s.logger.Error("decisions: vector upsert failed, decision stored unindexed", "id", d.ID, "error", err)
		return false
	}
	return true
}

// lastQueryHints extracts the top-hit ids of the most recent query input in
// a tracker session.
func lastQueryHints(inputs []model.TrackedInput) []model.RelatedHint {
	for i := len(inputs) - 1; i >= 0; i-- {
		if inputs[i].Type != model.InputQuery {
			continue
		}
		if hits, ok := inputs[i].RawData["top_hits"].([]model.RelatedHint); ok {
			return hits
		}
		return nil
	}
	return nil
}

// resolveRelated merges caller hints with query-derived hints, deduplicates
// by id, drops self-references and unknown ids, and snapshots summaries.
func (s *Service) resolveRelated(ctx context.Context, selfID string, explicit []model.RelatedHint, derived []model.RelatedHint) []model.RelatedDecision {
	seen := map[string]bool{selfID: true}
	var out []model.RelatedDecision
	for _, hint := range append(append([]model.RelatedHint{}, explicit...), derived...) {
		if hint.ID == "" || seen[hint.ID] {
			continue
		}
		seen[hint.ID] = true

		rel, err := s.store.Get(ctx, hint.ID)
		if err != nil {
			s.logger.Warn("decisions: related id not found, dropped", "id", hint.ID)
			continue
		}
		out = append(out, model.RelatedDecision{
			ID:       rel.ID,
			Summary:  rel.Summary(),
			Distance: hint.Distance,
		})
	}
	return out
}

// linkRelated writes relates_to edges for each snapshot, returning how many
// succeeded.
func (s *Service) linkRelated(ctx context.Context, id string, related []model.RelatedDecision) int {
	linked := 0
	for _, rel := range related {
		weight := 1 - rel.Distance
		if weight < 0 {
			weight = 0
		}
		if weight > 1 {
			weight = 1
		}
		err := s.graph.AddEdge(ctx, model.GraphEdge{
			FromID: id,
			ToID:   rel.ID,
			Type:   model.EdgeRelatesTo,
			Weight: weight,
		})
		if err != nil {
			s.logger.Error("decisions: graph edge failed", "from", id, "to", rel.ID, "error", err)
			continue
		}
		linked++
	}
	return linked
}

// mergeTraces combines a caller-supplied deliberation with the tracked
// session, deduplicating inputs by id. Tracked steps win when both exist.
func mergeTraces(explicit, tracked *model.DeliberationTrace) *model.DeliberationTrace {
	if tracked == nil {
		return explicit
	}
	if explicit == nil {
		return tracked
	}

	merged := *tracked
	seen := make(map[string]bool, len(tracked.Inputs))
	for _, in := range tracked.Inputs {
		seen[in.ID] = true
	}
	for _, in := range explicit.Inputs {
		if in.ID != "" && seen[in.ID] {
			continue
		}
		merged.Inputs = append(merged.Inputs, in)
	}
	if explicit.TotalDurationMS > merged.TotalDurationMS {
		merged.TotalDurationMS = explicit.TotalDurationMS
	}
	return &merged
}

// converged reports whether the last query's hits overlap the final related
// set.
func converged(hints []model.RelatedHint, related []model.RelatedDecision) bool {
	if len(hints) == 0 || len(related) == 0 {
		return false
	}
	ids := make(map[string]bool, len(related))
	for _, r := range related {
		ids[r.ID] = true
	}
	for _, h := range hints {
		if ids[h.ID] {
			return true
		}
	}
	return false
}

// Update mutates an unreviewed decision's editable fields and re-indexes.
// Only the recording agent may update.
func (s *Service) Update(ctx context.Context, agentID string, p model.UpdateParams) (model.Decision, error) {
	d, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return model.Decision{}, err
	}
	if d.AgentID != agentID {
		return model.Decision{}, ErrNotOwner
	}
	if d.Reviewed() {
		return model.Decision{}, storage.ErrAlreadyReviewed
	}

	if p.DecisionText != nil {
		d.DecisionText = *p.DecisionText
	}
	if p.Context != nil {
		d.Context = *p.Context
	}
	if p.Pattern != nil {
		d.Pattern = *p.Pattern
	}
	if p.Tags != nil {
		d.Tags = *p.Tags
	}
	if p.Bridge != nil {
		d.Bridge = p.Bridge
	}
	if p.Reasons != nil {
		d.Reasons = *p.Reasons
	}

	if err := s.store.Save(ctx, d); err != nil {
		return model.Decision{}, fmt.Errorf("decisions: update: %w", err)
	}
	if s.keywords != nil {
		s.keywords.InvalidateKeywords()
	}
	s.index(ctx, &d)

	updated, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return model.Decision{}, err
	}
	return updated, nil
}

// Review attaches an outcome. Fails on unknown ids and on decisions already
// reviewed.
func (s *Service) Review(ctx context.Context, p model.ReviewParams) error {
	return s.store.UpdateOutcome(ctx, p.ID, model.Outcome{
		Outcome:      p.Outcome,
		ActualResult: p.ActualResult,
		Lessons:      p.Lessons,
		ReviewedAt:   s.now(),
	})
}

// Get returns the full decision plus its first ring of graph neighbors.
func (s *Service) Get(ctx context.Context, id string) (model.GetDecisionResult, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return model.GetDecisionResult{}, err
	}

	edges, err := s.graph.Neighbors(ctx, id, nil)
	if err != nil {
		return model.GetDecisionResult{}, fmt.Errorf("decisions: neighbors: %w", err)
	}

	neighbors := make([]model.Neighbor, 0, len(edges))
	for _, e := range edges {
		peer := e.ToID
		out := true
		if peer == id {
			peer = e.FromID
			out = false
		}
		n := model.Neighbor{ID: peer, Type: e.Type, Weight: e.Weight, Out: out}
		if pd, err := s.store.Get(ctx, peer); err == nil {
			n.Summary = pd.Summary()
		}
		neighbors = append(neighbors, n)
	}
	return model.GetDecisionResult{Decision: d, Neighbors: neighbors}, nil
}

// Link adds an explicit typed edge between two existing decisions.
func (s *Service) Link(ctx context.Context, p model.LinkParams) error {
	for _, id := range []string{p.From, p.To} {
		if _, err := s.store.Get(ctx, id); err != nil {
			return err
		}
	}
	weight := 1.0
	if p.Weight != nil {
		weight = *p.Weight
	}
	return s.graph.AddEdge(ctx, model.GraphEdge{
		FromID: p.From,
		ToID:   p.To,
		Type:   p.Type,
		Weight: weight,
	})
}

// Subgraph returns the nodes and edges reachable from root within depth.
func (s *Service) Subgraph(ctx context.Context, p model.GraphParams) (model.GraphResult, error) {
	if _, err := s.store.Get(ctx, p.RootID); err != nil {
		return model.GraphResult{}, err
	}

	ids, edges, err := s.graph.Subgraph(ctx, p.RootID, p.Depth, p.Types)
	if err != nil {
		return model.GraphResult{}, fmt.Errorf("decisions: subgraph: %w", err)
	}

	nodes := make([]model.GraphNode, 0, len(ids))
	for _, id := range ids {
		node := model.GraphNode{ID: id}
		if d, err := s.store.Get(ctx, id); err == nil {
			node.Summary = d.Summary()
			node.Category = d.Category
		}
		nodes = append(nodes, node)
	}
	if edges == nil {
		edges = []model.GraphEdge{}
	}
	return model.GraphResult{Nodes: nodes, Edges: edges}, nil
}

// Neighbors returns the first ring around a decision, optionally filtered by
// edge types.
func (s *Service) Neighbors(ctx context.Context, id string, types []model.GraphEdgeType) ([]model.Neighbor, error) {
	res, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return res.Neighbors, nil
	}
	allowed := make(map[model.GraphEdgeType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	var out []model.Neighbor
	for _, n := range res.Neighbors {
		if allowed[n.Type] {
			out = append(out, n)
		}
	}
	return out, nil
}

// Reindex rebuilds the vector store from the decision store. Decisions whose
// embedding fails are skipped and counted.
func (s *Service) Reindex(ctx context.Context) (model.ReindexResult, error) {
	if err := s.vectors.Reset(ctx); err != nil {
		return model.ReindexResult{}, fmt.Errorf("decisions: reset vector store: %w", err)
	}

	var result model.ReindexResult
	offset := 0
	for {
		page, err := s.store.List(ctx, model.ListQuery{Offset: offset, Limit: model.MaxPageSize})
		if err != nil {
			return model.ReindexResult{}, fmt.Errorf("decisions: reindex list: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}

		texts := make([]string, len(page.Items))
		for i := range page.Items {
			texts[i] = page.Items[i].SearchableText()
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Error("decisions: reindex embed batch failed", "offset", offset, "error", err)
			result.Skipped += len(page.Items)
		} else {
			points := make([]vector.Point, len(page.Items))
			for i, d := range page.Items {
				points[i] = vector.Point{
					ID:          d.ID,
					Embedding:   vecs[i],
					AgentID:     d.AgentID,
					Category:    d.Category,
					Project:     d.Project,
					CreatedUnix: d.CreatedAt.Unix(),
				}
			}
			if err := s.vectors.Upsert(ctx, points); err != nil {
				return model.ReindexResult{}, fmt.Errorf("decisions: reindex upsert: %w", err)
			}
			result.Reindexed += len(points)
		}

		offset += len(page.Items)
		if offset >= page.Total {
			break
		}
	}

	if s.keywords != nil {
		s.keywords.InvalidateKeywords()
	}
	return result, nil
}

// AttributeOutcomes propagates a reviewed decision's outcome into the
// related snapshots of its pending relates_to neighbors.
func (s *Service) AttributeOutcomes(ctx context.Context, id string) (model.AttributeResult, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return model.AttributeResult{}, err
	}
	if !d.Reviewed() {
		return model.AttributeResult{}, ErrNotReviewed
	}

	edges, err := s.graph.Neighbors(ctx, id, []model.GraphEdgeType{model.EdgeRelatesTo})
	if err != nil {
		return model.AttributeResult{}, fmt.Errorf("decisions: attribute neighbors: %w", err)
	}

	annotated := fmt.Sprintf("%s (outcome: %s)", d.Summary(), d.Outcome.Outcome)
	updated := 0
	for _, e := range edges {
		peerID := e.ToID
		if peerID == id {
			peerID = e.FromID
		}
		peer, err := s.store.Get(ctx, peerID)
		if err != nil {
			s.logger.Warn("decisions: attribution neighbor missing", "id", peerID)
			continue
		}
		if peer.Reviewed() {
			continue // reviewed decisions are immutable
		}

		touched := false
		for i := range peer.Related {
			if peer.Related[i].ID == id && peer.Related[i].Summary != annotated {
				peer.Related[i].Summary = annotated
				touched = true
			}
		}
		if !touched {
			continue
		}
		if err := s.store.Save(ctx, peer); err != nil {
			return model.AttributeResult{}, fmt.Errorf("decisions: attribution save %s: %w", peerID, err)
		}
		updated++
	}
	return model.AttributeResult{DecisionID: id, Updated: updated}, nil
}

// ReasonStats aggregates reason-type usage across the filtered decision set.
func (s *Service) ReasonStats(ctx context.Context, filters model.QueryFilters) (model.ReasonStatsResult, error) {
	type agg struct {
		count    int
		strength float64
	}
	byType := make(map[model.ReasonType]*agg)
	byCat := make(map[string]map[model.ReasonType]int)

	considered := 0
	offset := 0
	for {
		page, err := s.store.List(ctx, model.ListQuery{Filters: filters, Offset: offset, Limit: model.MaxPageSize})
		if err != nil {
			return model.ReasonStatsResult{}, fmt.Errorf("decisions: reason stats: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, d := range page.Items {
			considered++
			for _, r := range d.Reasons {
				a := byType[r.Type]
				if a == nil {
					a = &agg{}
					byType[r.Type] = a
				}
				a.count++
				a.strength += r.Strength

				if byCat[d.Category] == nil {
					byCat[d.Category] = make(map[model.ReasonType]int)
				}
				byCat[d.Category][r.Type]++
			}
		}
		offset += len(page.Items)
		if offset >= page.Total {
			break
		}
	}

	result := model.ReasonStatsResult{
		SampleSize:  considered,
		GeneratedAt: s.now(),
	}
	for typ, a := range byType {
		result.Total += a.count
		result.ByType = append(result.ByType, model.ReasonTypeStats{
			Type:         typ,
			Count:        a.count,
			MeanStrength: a.strength / float64(a.count),
		})
	}
	sort.Slice(result.ByType, func(i, j int) bool {
		if result.ByType[i].Count != result.ByType[j].Count {
			return result.ByType[i].Count > result.ByType[j].Count
		}
		return result.ByType[i].Type < result.ByType[j].Type
	})

	if len(byCat) > 0 {
		result.TopByCat = make(map[string]model.ReasonType, len(byCat))
		for cat, counts := range byCat {
			var top model.ReasonType
			best := -1
			for typ, n := range counts {
				if n > best || (n == best && typ < top) {
					top, best = typ, n
				}
			}
			result.TopByCat[cat] = top
		}
	}
	return result, nil
}

// Thought pushes an explicit reasoning note into the deliberation tracker.
func (s *Service) Thought(transport, agentID, sessionID, text string) {
	key := tracker.Key(transport, agentID, sessionID)
	s.tracker.Track(key, model.TrackedInput{
		Type:   model.InputReasoning,
		Text:   text,
		Source: "recordThought",
	})
}

// TrackGuardrailCheck records a guardrail evaluation into the caller's
// deliberation session.
func (s *Service) TrackGuardrailCheck(transport, agentID string, action model.ActionContext, res model.CheckResult) {
	key := tracker.Key(transport, agentID, "")
	s.tracker.Track(key, model.TrackedInput{
		Type:   model.InputGuardrail,
		Text:   action.Description,
		Source: "checkGuardrails",
		RawData: map[string]any{
			"allowed":    res.Allowed,
			"violations": len(res.Violations),
		},
	})
}

// Guard exposes the guardrail engine for the dispatcher's check/list
// methods.
func (s *Service) Guard() *guardrail.Engine { return s.guard }

// Tracker exposes the deliberation tracker for the debug surface.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }
