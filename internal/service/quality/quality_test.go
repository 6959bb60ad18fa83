package quality

import (
	"testing"

	"github.com/tfatykhov/cstp/internal/model"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		decision model.Decision
		minScore float64
		maxScore float64
	}{
		{
			name:     "bare decision gets only the base",
			decision: model.Decision{DecisionText: "use redis"},
			minScore: 0.10,
			maxScore: 0.10,
		},
		{
			name: "text and context only",
			decision: model.Decision{
				DecisionText: "use redis with a five minute ttl for session caching",
				Context:      "sessions churn fast and the db is the bottleneck",
			},
			minScore: 0.30,
			maxScore: 0.30,
		},
		{
			name: "fully annotated decision",
			decision: model.Decision{
				DecisionText: "use redis with a five minute ttl for session caching",
				Context:      "sessions churn fast and the db is the bottleneck",
				Project:      "webshop",
				Pattern:      "cache hot reads with a ttl matched to data churn",
				Tags:         []string{"caching", "redis"},
				Reasons: []model.Reason{
					{Type: model.ReasonAnalysis, Text: "db profiling shows 80% of reads are sessions", Strength: 0.9},
					{Type: model.ReasonEmpirical, Text: "benchmark: redis p99 2ms at 10k qps", Strength: 0.8},
				},
				Bridge: &model.Bridge{
					Structure: "redis cache with per-key ttl",
					Function:  "absorb hot session reads",
				},
				Deliberation: &model.DeliberationTrace{
					Inputs: []model.TrackedInput{{Type: model.InputQuery, Text: "session caching"}},
				},
			},
			minScore: 1.0,
			maxScore: 1.0,
		},
		{
			name: "auto bridge earns no credit",
			decision: model.Decision{
				DecisionText: "use redis with a five minute ttl for session caching",
				Bridge:       &model.Bridge{Structure: "redis cache", Function: "fast reads", Auto: true},
			},
			minScore: 0.20,
			maxScore: 0.20,
		},
		{
			name: "single reason type is not enough",
			decision: model.Decision{
				DecisionText: "use redis with a five minute ttl for session caching",
				Reasons: []model.Reason{
					{Type: model.ReasonAnalysis, Text: "a", Strength: 0.5},
					{Type: model.ReasonAnalysis, Text: "b", Strength: 0.5},
				},
			},
			minScore: 0.20,
			maxScore: 0.20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Score(&tt.decision)
			if q.Score < tt.minScore || q.Score > tt.maxScore {
				t.Errorf("Score() = %v, want between %v and %v", q.Score, tt.minScore, tt.maxScore)
			}
		})
	}
}

func TestScoreSuggestionsNameMissingComponents(t *testing.T) {
	q := Score(&model.Decision{DecisionText: "short"})
	if len(q.Suggestions) < 5 {
		t.Fatalf("suggestions = %d, want one per missing component", len(q.Suggestions))
	}

	full := model.Decision{
		DecisionText: "use redis with a five minute ttl for session caching",
		Context:      "ctx",
		Project:      "p",
		Pattern:      "pat",
		Tags:         []string{"t"},
		Reasons: []model.Reason{
			{Type: model.ReasonAnalysis, Text: "a", Strength: 0.5},
			{Type: model.ReasonPattern, Text: "b", Strength: 0.5},
		},
		Bridge: &model.Bridge{Structure: "s", Function: "f"},
	}
	q = Score(&full)
	if len(q.Suggestions) != 0 {
		t.Errorf("complete decision should have no suggestions, got %v", q.Suggestions)
	}
}
