// Package quality derives decision completeness scores. Scores rank
// retrieval results and drive the suggestion strings returned to agents;
// they are advisory, never authoritative.
package quality

import (
	"strings"

	"github.com/tfatykhov/cstp/internal/model"
)

// Score computes the quality score and its missing-component suggestions.
//
// Each component adds to a base of 0.1:
//   - pattern present: +0.20
//   - at least one tag: +0.15
//   - two or more distinct reason types: +0.15
//   - explicit (not auto-generated) bridge: +0.15
//   - decision text >= 20 chars: +0.10
//   - context non-empty: +0.10
//   - project set: +0.10
//   - deliberation inputs captured: +0.05
//
// The result is clamped to [0,1].
func Score(d *model.Decision) model.Quality {
	score := 0.1
	var suggestions []string

	if strings.TrimSpace(d.Pattern) != "" {
		score += 0.20
	} else {
		suggestions = append(suggestions, "add a pattern: the transferable lesson behind this decision")
	}

	if len(d.Tags) > 0 {
		score += 0.15
	} else {
		suggestions = append(suggestions, "add tags to make the decision discoverable")
	}

	if distinctReasonTypes(d.Reasons) >= 2 {
		score += 0.15
	} else {
		suggestions = append(suggestions, "record reasons of at least two types (e.g. analysis plus empirical)")
	}

	if d.Bridge != nil && !d.Bridge.Empty() && !d.Bridge.Auto {
		score += 0.15
	} else {
		suggestions = append(suggestions, "describe the bridge: what the solution is (structure) and what it is for (function)")
	}

	if len(strings.TrimSpace(d.DecisionText)) >= 20 {
		score += 0.10
	} else {
		suggestions = append(suggestions, "expand the decision text beyond a fragment")
	}

	if strings.TrimSpace(d.Context) != "" {
		score += 0.10
	} else {
		suggestions = append(suggestions, "add context: the situation that forced this choice")
	}

	if d.Project != "" {
		score += 0.10
	} else {
		suggestions = append(suggestions, "set the project so the decision scopes correctly")
	}

	if d.Deliberation != nil && len(d.Deliberation.Inputs) > 0 {
		score += 0.05
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return model.Quality{Score: score, Suggestions: suggestions}
}

func distinctReasonTypes(reasons []model.Reason) int {
	seen := make(map[model.ReasonType]bool, len(reasons))
	for _, r := range reasons {
		seen[r.Type] = true
	}
	return len(seen)
}
