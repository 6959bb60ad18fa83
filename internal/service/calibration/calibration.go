// Package calibration scores how well an agent's stated confidence predicts
// its outcomes: Brier scores, reliability buckets, habituation detection, and
// drift between a recent window and the historical baseline.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/storage"
)

// Default drift thresholds: relative Brier degradation and relative accuracy
// drop that trigger an alert.
const (
	defaultBrierThreshold    = 0.20
	defaultAccuracyThreshold = 0.15
	defaultWindowDays        = 30
)

// Habituation bounds: a near-constant confidence stream, or a uniformly very
// high one, means the number carries no signal.
const (
	habituationStdDev     = 0.05
	habituationBucketFrac = 0.70
	habituationHighMean   = 0.85
	habituationHighMin    = 0.75
)

// Service computes calibration reports and drift checks.
type Service struct {
	store  storage.DecisionStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates the calibration service.
func New(store storage.DecisionStore, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// sample is one reviewed, non-abandoned decision reduced to the pair the
// scoring math needs.
type sample struct {
	confidence float64
	actual     float64
}

// collect loads reviewed decisions matching the filters, excluding abandoned
// outcomes, bounded by the optional created-at window.
func (s *Service) collect(ctx context.Context, filters model.QueryFilters, after, before *time.Time) ([]sample, error) {
	has := true
	filters.HasOutcome = &has
	if after != nil {
		filters.DateAfter = after
	}
	if before != nil {
		filters.DateBefore = before
	}

	var out []sample
	offset := 0
	for {
		page, err := s.store.List(ctx, model.ListQuery{Filters: filters, Offset: offset, Limit: model.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("calibration: list reviewed: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, d := range page.Items {
			if d.Outcome == nil || d.Outcome.Outcome == model.OutcomeAbandoned {
				continue
			}
			out = append(out, sample{confidence: d.Confidence, actual: d.Outcome.Outcome.Binary()})
		}
		offset += len(page.Items)
		if offset >= page.Total {
			break
		}
	}
	return out, nil
}

func brier(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		diff := s.confidence - s.actual
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

func accuracy(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.actual
	}
	return sum / float64(len(samples))
}

func meanConfidence(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.confidence
	}
	return sum / float64(len(samples))
}

// bucketIndex maps a confidence into one of five equal-width ranges;
// confidence 1.0 lands in the top bucket.
func bucketIndex(confidence float64) int {
	i := int(confidence * 5)
	if i > 4 {
		i = 4
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Report computes the full calibration analysis for the filtered set.
func (s *Service) Report(ctx context.Context, p model.CalibrationParams) (model.CalibrationReport, error) {
	samples, err := s.collect(ctx, p.Filters, nil, nil)
	if err != nil {
		return model.CalibrationReport{}, err
	}

	report := model.CalibrationReport{SampleSize: len(samples)}
	if len(samples) < model.MinSampleSize {
		report.InsufficientData = true
		report.Note = fmt.Sprintf("need at least %d reviewed decisions, have %d", model.MinSampleSize, len(samples))
		return report, nil
	}

	report.Brier = brier(samples)
	report.Accuracy = accuracy(samples)
	report.CalibrationGap = meanConfidence(samples) - report.Accuracy
	report.Buckets = buckets(samples)
	report.Distribution = distribution(samples)
	report.Recommendations = recommendations(&report)
	return report, nil
}

func buckets(samples []sample) []model.CalibrationBucket {
	out := make([]model.CalibrationBucket, 5)
	for i := range out {
		out[i].Low = float64(i) * 0.2
		out[i].High = float64(i+1) * 0.2
	}

	grouped := make([][]sample, 5)
	for _, s := range samples {
		i := bucketIndex(s.confidence)
		grouped[i] = append(grouped[i], s)
	}
	for i, g := range grouped {
		out[i].Count = len(g)
		if len(g) == 0 {
			continue
		}
		out[i].MeanPredicted = meanConfidence(g)
		out[i].SuccessRate = accuracy(g)
		out[i].Brier = brier(g)
	}
	return out
}

func distribution(samples []sample) *model.ConfidenceDistribution {
	dist := &model.ConfidenceDistribution{
		Count: len(samples),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}
	for _, s := range samples {
		dist.Mean += s.confidence
		dist.Min = math.Min(dist.Min, s.confidence)
		dist.Max = math.Max(dist.Max, s.confidence)
		dist.Buckets[bucketIndex(s.confidence)]++
	}
	dist.Mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		diff := s.confidence - dist.Mean
		variance += diff * diff
	}
	dist.StdDev = math.Sqrt(variance / float64(len(samples)))

	// Habituation: either the values barely vary and pile into one bucket,
	// or everything sits at the top of the scale.
	maxBucket := 0
	for _, n := range dist.Buckets {
		if n > maxBucket {
			maxBucket = n
		}
	}
	crowded := dist.StdDev < habituationStdDev &&
		float64(maxBucket) > habituationBucketFrac*float64(dist.Count)
	uniformlyHigh := dist.Mean > habituationHighMean && dist.Min > habituationHighMin
	dist.Habituation = crowded || uniformlyHigh

	return dist
}

func recommendations(r *model.CalibrationReport) []model.Recommendation {
	var recs []model.Recommendation
	switch {
	case r.CalibrationGap > 0.15:
		recs = append(recs, model.Recommendation{
			Severity: "warning",
			Message:  fmt.Sprintf("overconfident: stated confidence exceeds the success rate by %.2f; lower confidence estimates or review what is going wrong", r.CalibrationGap),
		})
	case r.CalibrationGap < -0.15:
		recs = append(recs, model.Recommendation{
			Severity: "info",
			Message:  fmt.Sprintf("underconfident: outcomes beat stated confidence by %.2f; trust these decisions more", -r.CalibrationGap),
		})
	}
	if r.Distribution != nil && r.Distribution.Habituation {
		recs = append(recs, model.Recommendation{
			Severity: "warning",
			Message:  "confidence values barely vary; the number carries no signal, spread estimates across the scale",
		})
	}
	if r.Brier > 0.25 {
		recs = append(recs, model.Recommendation{
			Severity: "warning",
			Message:  fmt.Sprintf("brier score %.2f is worse than always guessing 0.5; confidence estimates are anti-predictive", r.Brier),
		})
	}
	return recs
}

// Context computes the compact per-category calibration summary used in
// pre-action responses. category may be empty for the overall view.
func (s *Service) Context(ctx context.Context, agentID, category string) (model.CalibrationContext, error) {
	samples, err := s.collect(ctx, model.QueryFilters{AgentID: agentID, Category: category}, nil, nil)
	if err != nil {
		return model.CalibrationContext{}, err
	}

	cc := model.CalibrationContext{Category: category, SampleSize: len(samples)}
	if len(samples) < model.MinSampleSize {
		cc.Tendency = model.TendencyInsufficientData
		return cc, nil
	}

	cc.Brier = brier(samples)
	cc.Accuracy = accuracy(samples)
	gap := meanConfidence(samples) - cc.Accuracy
	switch {
	case gap > 0.1:
		cc.Tendency = model.TendencyOverconfident
	case gap < -0.1:
		cc.Tendency = model.TendencyUnderconfident
	default:
		cc.Tendency = model.TendencyWellCalibrated
	}
	return cc, nil
}

// ContextsByCategory computes calibration contexts for every category the
// agent has reviewed decisions in, sorted by category.
func (s *Service) ContextsByCategory(ctx context.Context, agentID string) ([]model.CalibrationContext, error) {
	stats, err := s.store.Stats(ctx, model.StatsWindow{}, model.QueryFilters{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("calibration: stats: %w", err)
	}

	categories := make([]string, 0, len(stats.ByCategory))
	for cat := range stats.ByCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var out []model.CalibrationContext
	for _, cat := range categories {
		cc, err := s.Context(ctx, agentID, cat)
		if err != nil {
			return nil, err
		}
		if cc.Tendency == model.TendencyInsufficientData {
			continue
		}
		out = append(out, cc)
	}
	return out, nil
}

// Drift compares the recent window against the historical baseline and
// reports metric regressions.
func (s *Service) Drift(ctx context.Context, p model.DriftParams) (model.DriftReport, error) {
	windowDays := p.WindowDays
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	brierThreshold := defaultBrierThreshold
	if p.BrierThreshold != nil {
		brierThreshold = *p.BrierThreshold
	}
	accThreshold := defaultAccuracyThreshold
	if p.AccuracyThreshold != nil {
		accThreshold = *p.AccuracyThreshold
	}

	cutoff := s.now().AddDate(0, 0, -windowDays)
	filters := model.QueryFilters{Category: p.Category}

	recent, err := s.collect(ctx, filters, &cutoff, nil)
	if err != nil {
		return model.DriftReport{}, err
	}
	historical, err := s.collect(ctx, filters, nil, &cutoff)
	if err != nil {
		return model.DriftReport{}, err
	}

	report := model.DriftReport{
		Category:        p.Category,
		RecentCount:     len(recent),
		HistoricalCount: len(historical),
		WindowDays:      windowDays,
		EvaluatedAt:     s.now(),
	}
	if len(recent) < model.MinSampleSize || len(historical) < model.MinSampleSize {
		report.Note = fmt.Sprintf("need at least %d reviewed decisions in both windows", model.MinSampleSize)
		return report, nil
	}

	recentBrier, histBrier := brier(recent), brier(historical)
	if histBrier > 0 {
		change := (recentBrier - histBrier) / histBrier
		if change > brierThreshold {
			report.Alerts = append(report.Alerts, model.DriftAlert{
				Type:       model.DriftBrierDegradation,
				Severity:   driftSeverity(change),
				Category:   p.Category,
				Recent:     recentBrier,
				Historical: histBrier,
				Change:     change,
				Message:    fmt.Sprintf("brier score degraded %.0f%% over the last %d days", change*100, windowDays),
			})
		}
	}

	recentAcc, histAcc := accuracy(recent), accuracy(historical)
	if histAcc > 0 {
		change := (histAcc - recentAcc) / histAcc
		if change > accThreshold {
			report.Alerts = append(report.Alerts, model.DriftAlert{
				Type:       model.DriftAccuracyDrop,
				Severity:   driftSeverity(change),
				Category:   p.Category,
				Recent:     recentAcc,
				Historical: histAcc,
				Change:     change,
				Message:    fmt.Sprintf("success rate dropped %.0f%% over the last %d days", change*100, windowDays),
			})
		}
	}

	report.DriftDetected = len(report.Alerts) > 0
	return report, nil
}

// driftSeverity escalates large regressions to errors.
func driftSeverity(change float64) string {
	if change < 0.50 {
		return "warning"
	}
	return "error"
}
