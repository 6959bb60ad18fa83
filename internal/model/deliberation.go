package model

import "time"

// InputType classifies an event observed by the deliberation tracker.
type InputType string

const (
	InputQuery     InputType = "query"
	InputGuardrail InputType = "guardrail"
	InputLookup    InputType = "lookup"
	InputStats     InputType = "stats"
	InputReasoning InputType = "reasoning"
)

// TrackedInput is one observed event in an agent's pre-decision traffic.
type TrackedInput struct {
	ID        string         `json:"id"`
	Type      InputType      `json:"type"`
	Text      string         `json:"text"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	RawData   map[string]any `json:"raw_data,omitempty"`
}

// DeliberationStep groups consecutive same-type inputs into one reasoning step.
type DeliberationStep struct {
	Type       InputType `json:"type"`
	InputIDs   []string  `json:"input_ids"`
	Conclusion bool      `json:"conclusion,omitempty"`
}

// DeliberationTrace is the reconstructed reasoning trail attached to a
// decision, assembled server-side from tracked inputs.
type DeliberationTrace struct {
	Inputs          []TrackedInput     `json:"inputs"`
	Steps           []DeliberationStep `json:"steps"`
	TotalDurationMS int64              `json:"total_duration_ms"`
	Convergence     bool               `json:"convergence"`
}

// GraphEdgeType is the relationship carried by a directed graph edge.
type GraphEdgeType string

const (
	EdgeRelatesTo   GraphEdgeType = "relates_to"
	EdgeSupersedes  GraphEdgeType = "supersedes"
	EdgeDependsOn   GraphEdgeType = "depends_on"
	EdgeContradicts GraphEdgeType = "contradicts"
	EdgeBlocks      GraphEdgeType = "blocks"
)

// ValidEdgeType reports whether t is one of the closed edge type set.
func ValidEdgeType(t GraphEdgeType) bool {
	switch t {
	case EdgeRelatesTo, EdgeSupersedes, EdgeDependsOn, EdgeContradicts, EdgeBlocks:
		return true
	}
	return false
}

// GraphEdge is a typed, weighted, directed link between two decisions.
// relates_to edges are stored once per pair and treated as symmetric.
type GraphEdge struct {
	FromID    string        `json:"from_id"`
	ToID      string        `json:"to_id"`
	Type      GraphEdgeType `json:"type"`
	Weight    float64       `json:"weight"`
	CreatedAt time.Time     `json:"created_at"`
}

// ReadyActionType classifies a surfaced maintenance task.
type ReadyActionType string

const (
	ReadyReviewOutcome    ReadyActionType = "review_outcome"
	ReadyCalibrationDrift ReadyActionType = "calibration_drift"
	ReadyStalePending     ReadyActionType = "stale_pending"
)

// ReadyPriority orders maintenance tasks.
type ReadyPriority string

const (
	PriorityLow    ReadyPriority = "low"
	PriorityMedium ReadyPriority = "medium"
	PriorityHigh   ReadyPriority = "high"
)

// Rank maps a priority to a sortable integer (higher = more urgent).
func (p ReadyPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ReadyAction is one prioritized maintenance task for an agent.
type ReadyAction struct {
	Type       ReadyActionType `json:"type"`
	Priority   ReadyPriority   `json:"priority"`
	DecisionID string          `json:"decision_id,omitempty"`
	Category   string          `json:"category,omitempty"`
	Date       *time.Time      `json:"date,omitempty"`
	Title      string          `json:"title,omitempty"`
	Reason     string          `json:"reason"`
	Suggestion string          `json:"suggestion"`
	Detail     map[string]any  `json:"detail,omitempty"`
}
