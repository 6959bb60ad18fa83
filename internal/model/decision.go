// Package model defines the core entities of the decision-intelligence
// service: decisions, guardrails, deliberation traces, graph edges, and the
// request/response types of the CSTP wire surface.
package model

import (
	"fmt"
	"time"
)

// Stakes is the impact level of a decision.
type Stakes string

const (
	StakesLow      Stakes = "low"
	StakesMedium   Stakes = "medium"
	StakesHigh     Stakes = "high"
	StakesCritical Stakes = "critical"
)

// ValidStakes reports whether s is one of the closed stakes set.
func ValidStakes(s Stakes) bool {
	switch s {
	case StakesLow, StakesMedium, StakesHigh, StakesCritical:
		return true
	}
	return false
}

// OutcomeKind is the reviewed result of a decision.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomePartial   OutcomeKind = "partial"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// ValidOutcome reports whether o is one of the closed outcome set.
func ValidOutcome(o OutcomeKind) bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}

// Binary maps an outcome to its calibration value: success=1, partial=0.5,
// failure=0. Abandoned decisions are excluded from Brier scoring upstream.
func (o OutcomeKind) Binary() float64 {
	switch o {
	case OutcomeSuccess:
		return 1
	case OutcomePartial:
		return 0.5
	default:
		return 0
	}
}

// ReasonType classifies a single reasoning step.
type ReasonType string

const (
	ReasonAnalysis    ReasonType = "analysis"
	ReasonPattern     ReasonType = "pattern"
	ReasonAuthority   ReasonType = "authority"
	ReasonIntuition   ReasonType = "intuition"
	ReasonEmpirical   ReasonType = "empirical"
	ReasonAnalogy     ReasonType = "analogy"
	ReasonElimination ReasonType = "elimination"
	ReasonConstraint  ReasonType = "constraint"
)

// Reason is one step in a decision's reasoning chain.
type Reason struct {
	Type     ReasonType `json:"type"`
	Text     string     `json:"text"`
	Strength float64    `json:"strength"`
}

// Bridge is the dual structure/function description of a decision.
// Structure describes the form of the solution, Function its purpose.
// Each side is independently searchable.
type Bridge struct {
	Structure   string   `json:"structure,omitempty"`
	Function    string   `json:"function,omitempty"`
	Tolerance   []string `json:"tolerance,omitempty"`
	Enforcement []string `json:"enforcement,omitempty"`
	Prevention  []string `json:"prevention,omitempty"`
	// Auto is true when the bridge was derived by the server rather than
	// supplied by the caller. Auto bridges do not earn quality credit.
	Auto bool `json:"auto,omitempty"`
}

// Empty reports whether the bridge carries no searchable content.
func (b *Bridge) Empty() bool {
	return b == nil || (b.Structure == "" && b.Function == "")
}

// Outcome is the late-bound review result attached to a decision.
type Outcome struct {
	Outcome      OutcomeKind `json:"outcome"`
	ActualResult string      `json:"actual_result"`
	Lessons      string      `json:"lessons,omitempty"`
	ReviewedAt   time.Time   `json:"reviewed_at"`
}

// RelatedDecision is a convenience snapshot of a graph neighbor, written at
// record time. The graph store is authoritative for linkage.
type RelatedDecision struct {
	ID       string  `json:"id"`
	Summary  string  `json:"summary,omitempty"`
	Distance float64 `json:"distance"`
}

// Quality is the derived completeness score of a decision.
type Quality struct {
	Score       float64  `json:"score"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Decision is the central record: a structured choice an agent made, with
// reasoning, metadata, and an eventually-attached outcome.
type Decision struct {
	ID           string     `json:"id"`
	DecisionText string     `json:"decision"`
	Context      string     `json:"context,omitempty"`
	Category     string     `json:"category"`
	Stakes       Stakes     `json:"stakes"`
	Confidence   float64    `json:"confidence"`
	AgentID      string     `json:"agent_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`

	Project string `json:"project,omitempty"`
	Feature string `json:"feature,omitempty"`
	PR      int    `json:"pr,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Commit  string `json:"commit,omitempty"`

	Reasons []Reason `json:"reasons,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Bridge  *Bridge  `json:"bridge,omitempty"`

	Deliberation *DeliberationTrace `json:"deliberation,omitempty"`
	Outcome      *Outcome           `json:"outcome,omitempty"`
	ReviewBy     *time.Time         `json:"review_by,omitempty"`
	Related      []RelatedDecision  `json:"related_to,omitempty"`
	Quality      *Quality           `json:"quality,omitempty"`
}

// Reviewed reports whether an outcome has been attached.
func (d *Decision) Reviewed() bool { return d.Outcome != nil }

// Summary returns a short single-line description used in related-decision
// snapshots and graph responses.
func (d *Decision) Summary() string {
	const max = 120
	s := d.DecisionText
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// SearchableText concatenates every searchable facet of the decision:
// decision text, pattern, context, reason texts, and the bridge sides.
func (d *Decision) SearchableText() string {
	text := d.DecisionText
	if d.Pattern != "" {
		text += "\nPattern: " + d.Pattern
	}
	if d.Context != "" {
		text += "\n" + d.Context
	}
	for _, r := range d.Reasons {
		text += "\n" + r.Text
	}
	if d.Bridge != nil {
		if d.Bridge.Structure != "" {
			text += "\nStructure: " + d.Bridge.Structure
		}
		if d.Bridge.Function != "" {
			text += "\nFunction: " + d.Bridge.Function
		}
	}
	return text
}

// Validate checks the invariants every persisted decision must hold.
// Category is free-form: the documented taxonomy (architecture, process,
// integration, tooling, security) is a convention, not a storage constraint.
func (d *Decision) Validate() error {
	if d.DecisionText == "" {
		return fmt.Errorf("model: decision text is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("model: confidence %v out of range [0,1]", d.Confidence)
	}
	if !ValidStakes(d.Stakes) {
		return fmt.Errorf("model: invalid stakes %q", d.Stakes)
	}
	if d.AgentID == "" {
		return fmt.Errorf("model: agent_id is required")
	}
	for i, r := range d.Reasons {
		if r.Strength < 0 || r.Strength > 1 {
			return fmt.Errorf("model: reason[%d] strength %v out of range [0,1]", i, r.Strength)
		}
	}
	if d.ReviewBy != nil && !d.CreatedAt.IsZero() && d.ReviewBy.Before(d.CreatedAt) {
		return fmt.Errorf("model: review_by precedes created_at")
	}
	if d.Outcome != nil {
		if !ValidOutcome(d.Outcome.Outcome) {
			return fmt.Errorf("model: invalid outcome %q", d.Outcome.Outcome)
		}
		if d.Outcome.ReviewedAt.IsZero() {
			return fmt.Errorf("model: outcome set without reviewed_at")
		}
	}
	return nil
}
