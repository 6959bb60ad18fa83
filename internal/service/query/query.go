// Package query implements hybrid retrieval over recorded decisions:
// semantic search through the vector store, lexical search through the BM25
// index, and the weighted merge of both.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/index"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/telemetry"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

// overfetchFactor widens backend fetches so post-filtering still fills the
// requested page.
const overfetchFactor = 3

// trackedHitIDs caps how many result ids a tracked query input carries.
const trackedHitIDs = 5

// Service runs the retrieval pipeline.
type Service struct {
	store    storage.DecisionStore
	vectors  vector.Store
	embedder embedding.Provider
	tracker  *tracker.Tracker
	logger   *slog.Logger

	kwMu    sync.Mutex
	kwIndex *index.BM25
	kwDirty bool

	embeddingDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
}

// New creates the query service. tracker may be nil to disable deliberation
// capture (tests).
func New(store storage.DecisionStore, vectors vector.Store, embedder embedding.Provider, trk *tracker.Tracker, logger *slog.Logger) *Service {
	meter := telemetry.Meter("cstp/query")
	embDur, _ := meter.Float64Histogram("cstp.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("cstp.search.duration",
		metric.WithDescription("Time to execute retrieval queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		vectors:           vectors,
		embedder:          embedder,
		tracker:           trk,
		logger:            logger,
		kwDirty:           true,
		embeddingDuration: embDur,
		searchDuration:    searchDur,
	}
}

// InvalidateKeywords marks the BM25 cache stale. Called after every write
// that changes searchable text.
func (s *Service) InvalidateKeywords() {
	s.kwMu.Lock()
	s.kwDirty = true
	s.kwMu.Unlock()
}

// Query runs the retrieval pipeline. trackerKey, when non-empty, records the
// query into the caller's deliberation session after a successful response.
func (s *Service) Query(ctx context.Context, trackerKey string, p model.QueryParams) (model.QueryResult, error) {
	start := time.Now()
	defer func() {
		s.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	queryText := bridgeQuery(p.Query, p.BridgeSide)

	var sem, kw map[string]float64
	var err error
	switch p.RetrievalMode {
	case model.RetrievalSemantic:
		sem, err = s.semanticScores(ctx, queryText, p)
	case model.RetrievalKeyword:
		kw, err = s.keywordScores(ctx, queryText, p)
	default: // hybrid
		sem, err = s.semanticScores(ctx, queryText, p)
		if err == nil {
			kw, err = s.keywordScores(ctx, queryText, p)
		}
	}
	if err != nil {
		return model.QueryResult{}, err
	}

	weight := 0.7
	if p.HybridWeight != nil {
		weight = *p.HybridWeight
	}
	scored := merge(p.RetrievalMode, sem, kw, weight)

	hits, total, err := s.hydrate(ctx, scored, p)
	if err != nil {
		return model.QueryResult{}, err
	}

	result := model.QueryResult{Results: hits, Total: total, Mode: p.RetrievalMode}
	s.trackQuery(trackerKey, p.Query, result)
	return result, nil
}

// bridgeQuery prefixes the query so it lands near the matching bridge side
// in embedding space, mirroring how decisions index their bridge text.
func bridgeQuery(query string, side model.BridgeSide) string {
	switch side {
	case model.BridgeStructure:
		return "Structure: " + query
	case model.BridgeFunction:
		return "Function: " + query
	}
	return query
}

func (s *Service) semanticScores(ctx context.Context, queryText string, p model.QueryParams) (map[string]float64, error) {
	embStart := time.Now()
	vecs, err := s.embedder.Embed(ctx, []string{queryText})
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("query: embed: %w", err)
	}

	results, err := s.vectors.Search(ctx, vecs[0], vector.Filter{
		AgentID:  p.Filters.AgentID,
		Category: p.Filters.Category,
		Project:  p.Filters.Project,
	}, *p.Limit*overfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("query: vector search: %w", err)
	}

	scores := make(map[string]float64, len(results))
	for _, r := range results {
		scores[r.ID] = r.Score
	}
	return scores, nil
}

func (s *Service) keywordScores(ctx context.Context, queryText string, p model.QueryParams) (map[string]float64, error) {
	idx, err := s.keywordIndex(ctx)
	if err != nil {
		return nil, err
	}

	docs := idx.Search(queryText, *p.Limit*overfetchFactor)
	scores := make(map[string]float64, len(docs))
	for _, d := range docs {
		scores[d.ID] = d.Score
	}
	return scores, nil
}

// keywordIndex returns the cached BM25 index, rebuilding it from the full
// corpus when stale. Document text includes tags on top of the decision's
// searchable text.
func (s *Service) keywordIndex(ctx context.Context) (*index.BM25, error) {
	s.kwMu.Lock()
	defer s.kwMu.Unlock()

	if !s.kwDirty && s.kwIndex != nil {
		return s.kwIndex, nil
	}

	idx := index.NewBM25()
	offset := 0
	for {
		page, err := s.store.List(ctx, model.ListQuery{Offset: offset, Limit: model.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("query: rebuild keyword index: %w", err)
		}
		for _, d := range page.Items {
			text := d.SearchableText()
			if len(d.Tags) > 0 {
				text += "\n" + strings.Join(d.Tags, " ")
			}
			idx.Put(d.ID, text)
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			break
		}
	}

	s.kwIndex = idx
	s.kwDirty = false
	return idx, nil
}

type scoredID struct {
	id       string
	combined float64
	semantic float64
}

// merge computes the mode's final score per id. For hybrid the union of both
// result sets is scored as weight*semantic + (1-weight)*keyword; ties break
// by higher semantic score, then id.
func merge(mode model.RetrievalMode, sem, kw map[string]float64, weight float64) []scoredID {
	var out []scoredID
	switch mode {
	case model.RetrievalSemantic:
		for id, sc := range sem {
			out = append(out, scoredID{id: id, combined: sc, semantic: sc})
		}
	case model.RetrievalKeyword:
		for id, sc := range kw {
			out = append(out, scoredID{id: id, combined: sc})
		}
	default:
		seen := make(map[string]bool, len(sem)+len(kw))
		for id := range sem {
			seen[id] = true
		}
		for id := range kw {
			seen[id] = true
		}
		for id := range seen {
			s := sem[id]
			k := kw[id]
			out = append(out, scoredID{id: id, combined: weight*s + (1-weight)*k, semantic: s})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].combined != out[j].combined {
			return out[i].combined > out[j].combined
		}
		if out[i].semantic != out[j].semantic {
			return out[i].semantic > out[j].semantic
		}
		return out[i].id < out[j].id
	})
	return out
}

// hydrate loads decision bodies, drops stale index ids, applies the
// authoritative filter pass, and truncates to the limit.
func (s *Service) hydrate(ctx context.Context, scored []scoredID, p model.QueryParams) ([]model.QueryHit, int, error) {
	var hits []model.QueryHit
	for _, sc := range scored {
		d, err := s.store.Get(ctx, sc.id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Index entries can outlive their decisions; drop and move on.
				s.logger.Warn("query: stale index id dropped", "id", sc.id)
				continue
			}
			return nil, 0, fmt.Errorf("query: hydrate %s: %w", sc.id, err)
		}
		if !p.Filters.Match(&d) {
			continue
		}
		if !p.IncludeReasons {
			d.Reasons = nil
		}
		hits = append(hits, model.QueryHit{Decision: d, Distance: 1 - sc.combined})
	}

	total := len(hits)
	if len(hits) > *p.Limit {
		hits = hits[:*p.Limit]
	}
	if hits == nil {
		hits = []model.QueryHit{}
	}
	return hits, total, nil
}

// trackQuery records the query into the caller's deliberation session.
func (s *Service) trackQuery(key, queryText string, result model.QueryResult) {
	if s.tracker == nil || key == "" {
		return
	}

	topIDs := make([]string, 0, trackedHitIDs)
	topHits := make([]model.RelatedHint, 0, trackedHitIDs)
	for _, h := range result.Results {
		topIDs = append(topIDs, h.Decision.ID)
		topHits = append(topHits, model.RelatedHint{ID: h.Decision.ID, Distance: h.Distance})
		if len(topIDs) == trackedHitIDs {
			break
		}
	}
	s.tracker.Track(key, model.TrackedInput{
		Type:   model.InputQuery,
		Text:   queryText,
		Source: "queryDecisions",
		RawData: map[string]any{
			"result_count": len(result.Results),
			"top_ids":      topIDs,
			"top_hits":     topHits,
		},
	})
}
