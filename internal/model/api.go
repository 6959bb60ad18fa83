package model

import (
	"fmt"
	"time"
)

// JSON-RPC error codes for the CSTP surface. Stable so clients can react.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternalError       = -32603
	CodeAuthRequired        = -32001
	CodeRateLimited         = -32002
	CodeQueryFailed         = -32003
	CodeGuardrailEvalFailed = -32004
	CodeRecordFailed        = -32005
	CodeReviewFailed        = -32006
	CodeDecisionNotFound    = -32007
	CodeAttributionFailed   = -32008
)

// Field length limits for fields that flow into the embedding pipeline.
const (
	MaxDecisionTextLen = 32 * 1024
	MaxContextLen      = 64 * 1024
)

// QueryParams is the input to queryDecisions.
type QueryParams struct {
	Query          string        `json:"query"`
	Limit          *int          `json:"limit,omitempty"`
	IncludeReasons bool          `json:"include_reasons,omitempty"`
	RetrievalMode  RetrievalMode `json:"retrieval_mode,omitempty"`
	HybridWeight   *float64      `json:"hybrid_weight,omitempty"`
	BridgeSide     BridgeSide    `json:"bridge_side,omitempty"`
	Filters        QueryFilters  `json:"filters,omitempty"`
}

// Validate applies defaults and checks ranges. A limit above MaxPageSize is
// an error at the wire boundary (invalid_params), not a silent clamp.
func (p *QueryParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.Limit == nil {
		n := 10
		p.Limit = &n
	}
	if *p.Limit < 0 || *p.Limit > MaxPageSize {
		return fmt.Errorf("limit must be in [0,%d]", MaxPageSize)
	}
	if p.RetrievalMode == "" {
		p.RetrievalMode = RetrievalHybrid
	}
	switch p.RetrievalMode {
	case RetrievalSemantic, RetrievalKeyword, RetrievalHybrid:
	default:
		return fmt.Errorf("invalid retrieval_mode %q", p.RetrievalMode)
	}
	if p.HybridWeight == nil {
		w := 0.7
		p.HybridWeight = &w
	}
	if *p.HybridWeight < 0 || *p.HybridWeight > 1 {
		return fmt.Errorf("hybrid_weight must be in [0,1]")
	}
	if p.BridgeSide == "" {
		p.BridgeSide = BridgeBoth
	}
	switch p.BridgeSide {
	case BridgeStructure, BridgeFunction, BridgeBoth:
	default:
		return fmt.Errorf("invalid bridge_side %q", p.BridgeSide)
	}
	return nil
}

// QueryHit is one retrieval result. Distance is 1-combined for hybrid
// retrieval and the backend's native distance otherwise; informative, not
// strictly bounded.
type QueryHit struct {
	Decision Decision `json:"decision"`
	Distance float64  `json:"distance"`
}

// QueryResult is the queryDecisions response.
type QueryResult struct {
	Results []QueryHit    `json:"results"`
	Total   int           `json:"total"`
	Mode    RetrievalMode `json:"retrieval_mode"`
}

// CheckGuardrailsParams is the input to checkGuardrails.
type CheckGuardrailsParams struct {
	Action ActionContext `json:"action"`
}

// Validate applies the stakes default and range checks.
func (p *CheckGuardrailsParams) Validate() error {
	if p.Action.Description == "" {
		return fmt.Errorf("action.description is required")
	}
	if p.Action.Stakes == "" {
		p.Action.Stakes = StakesMedium
	}
	if !ValidStakes(p.Action.Stakes) {
		return fmt.Errorf("invalid stakes %q", p.Action.Stakes)
	}
	if p.Action.Confidence != nil && (*p.Action.Confidence < 0 || *p.Action.Confidence > 1) {
		return fmt.Errorf("confidence must be in [0,1]")
	}
	return nil
}

// RelatedHint is a caller-provided or query-derived related decision id.
type RelatedHint struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance,omitempty"`
}

// RecordParams is the input to recordDecision.
type RecordParams struct {
	Decision   string  `json:"decision"`
	Context    string  `json:"context,omitempty"`
	Category   string  `json:"category"`
	Stakes     Stakes  `json:"stakes,omitempty"`
	Confidence float64 `json:"confidence"`

	Project string `json:"project,omitempty"`
	Feature string `json:"feature,omitempty"`
	PR      int    `json:"pr,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Commit  string `json:"commit,omitempty"`

	Reasons  []Reason      `json:"reasons,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
	Bridge   *Bridge       `json:"bridge,omitempty"`
	ReviewBy *time.Time    `json:"review_by,omitempty"`
	Related  []RelatedHint `json:"related_to,omitempty"`

	// Explicit deliberation supplied by the caller; merged with the
	// server-tracked session at record time.
	Deliberation *DeliberationTrace `json:"deliberation,omitempty"`

	// SessionID scopes the tracker session to one in-progress decision so
	// parallel agents' thoughts don't collide. Optional.
	SessionID string `json:"session_id,omitempty"`

	// ConfidenceSet distinguishes an explicit 0.0 from an absent field.
	// Set by the dispatcher during normalization.
	ConfidenceSet bool `json:"-"`
}

// Validate checks required fields and ranges, applying the stakes default.
func (p *RecordParams) Validate() error {
	if p.Decision == "" {
		return fmt.Errorf("decision is required")
	}
	if len(p.Decision) > MaxDecisionTextLen {
		return fmt.Errorf("decision exceeds %d bytes", MaxDecisionTextLen)
	}
	if len(p.Context) > MaxContextLen {
		return fmt.Errorf("context exceeds %d bytes", MaxContextLen)
	}
	if p.Category == "" {
		return fmt.Errorf("category is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1]")
	}
	if p.Stakes == "" {
		p.Stakes = StakesMedium
	}
	if !ValidStakes(p.Stakes) {
		return fmt.Errorf("invalid stakes %q", p.Stakes)
	}
	for i, r := range p.Reasons {
		if r.Strength < 0 || r.Strength > 1 {
			return fmt.Errorf("reasons[%d].strength must be in [0,1]", i)
		}
	}
	return nil
}

// RecordResult is the recordDecision response. When a guardrail blocks,
// Success is false, Allowed is false, and no decision is persisted.
type RecordResult struct {
	Success                 bool              `json:"success"`
	Allowed                 bool              `json:"allowed"`
	ID                      string            `json:"id,omitempty"`
	Indexed                 bool              `json:"indexed"`
	DeliberationAuto        bool              `json:"deliberation_auto"`
	DeliberationInputsCount int               `json:"deliberation_inputs_count"`
	RelatedCount            int               `json:"related_count"`
	Quality                 *Quality          `json:"quality,omitempty"`
	Violations              []GuardrailResult `json:"violations,omitempty"`
}

// UpdateParams is the input to updateDecision. Nil pointers leave fields
// untouched.
type UpdateParams struct {
	ID           string    `json:"id"`
	DecisionText *string   `json:"decision,omitempty"`
	Context      *string   `json:"context,omitempty"`
	Pattern      *string   `json:"pattern,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
	Bridge       *Bridge   `json:"bridge,omitempty"`
	Reasons      *[]Reason `json:"reasons,omitempty"`
}

// ReviewParams is the input to reviewDecision.
type ReviewParams struct {
	ID           string      `json:"id"`
	Outcome      OutcomeKind `json:"outcome"`
	ActualResult string      `json:"actual_result"`
	Lessons      string      `json:"lessons,omitempty"`
}

// Validate checks the outcome enum.
func (p *ReviewParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !ValidOutcome(p.Outcome) {
		return fmt.Errorf("invalid outcome %q", p.Outcome)
	}
	return nil
}

// Neighbor is a graph neighbor with its edge metadata.
type Neighbor struct {
	ID      string        `json:"id"`
	Summary string        `json:"summary,omitempty"`
	Type    GraphEdgeType `json:"type"`
	Weight  float64       `json:"weight"`
	Out     bool          `json:"out"` // true when the edge points from the queried node
}

// GetDecisionResult is the getDecision response: the full decision plus its
// first ring of graph neighbors.
type GetDecisionResult struct {
	Decision  Decision   `json:"decision"`
	Neighbors []Neighbor `json:"neighbors,omitempty"`
}

// ReasonTypeStats aggregates usage of one reason type.
type ReasonTypeStats struct {
	Type         ReasonType `json:"type"`
	Count        int        `json:"count"`
	MeanStrength float64    `json:"mean_strength"`
}

// ReasonStatsResult is the getReasonStats response.
type ReasonStatsResult struct {
	Total       int                   `json:"total_reasons"`
	ByType      []ReasonTypeStats     `json:"by_type"`
	TopByCat    map[string]ReasonType `json:"top_type_by_category,omitempty"`
	SampleSize  int                   `json:"decisions_considered"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// RecordThoughtParams is the input to recordThought: an explicit reasoning
// note pushed into the deliberation tracker.
type RecordThoughtParams struct {
	Thought   string `json:"thought"`
	SessionID string `json:"session_id,omitempty"`
}

// PreActionOptions tunes the composite pre-action flow.
type PreActionOptions struct {
	QueryLimit      int  `json:"query_limit,omitempty"`
	AutoRecord      *bool `json:"auto_record,omitempty"`
	IncludePatterns *bool `json:"include_patterns,omitempty"`
}

// PreActionParams is the input to preAction. Record carries the
// recordDecision fields used when auto_record is enabled.
type PreActionParams struct {
	Action  ActionContext    `json:"action"`
	Options PreActionOptions `json:"options,omitempty"`
	Record  *RecordParams    `json:"record,omitempty"`
}

// PatternSummary is a deduplicated pattern string with its confirmation count.
type PatternSummary struct {
	Pattern       string `json:"pattern"`
	Confirmations int    `json:"confirmations"`
}

// PreActionResult is the preAction response.
type PreActionResult struct {
	Allowed            bool                `json:"allowed"`
	DecisionID         string              `json:"decision_id,omitempty"`
	BlockReasons       []GuardrailResult   `json:"block_reasons,omitempty"`
	GuardrailResults   []GuardrailResult   `json:"guardrail_results,omitempty"`
	RelevantDecisions  []QueryHit          `json:"relevant_decisions"`
	CalibrationContext *CalibrationContext `json:"calibration_context,omitempty"`
	PatternsSummary    []PatternSummary    `json:"patterns_summary,omitempty"`
}

// SessionContextParams is the input to getSessionContext.
type SessionContextParams struct {
	AgentID string `json:"agent_id,omitempty"`
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// SessionContextResult bundles the read-only session context for an agent.
type SessionContextResult struct {
	RecentDecisions []Decision           `json:"recent_decisions"`
	Guardrails      []Guardrail          `json:"active_guardrails"`
	Calibration     []CalibrationContext `json:"calibration_by_category,omitempty"`
	TopPatterns     []PatternSummary     `json:"top_patterns,omitempty"`
	ReadyActions    []ReadyAction        `json:"ready_actions,omitempty"`
}

// ReadyParams filters the maintenance queue.
type ReadyParams struct {
	MinPriority ReadyPriority     `json:"min_priority,omitempty"`
	ActionTypes []ReadyActionType `json:"action_types,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Category    string            `json:"category,omitempty"`
}

// ReadyResult is the ready response. Warnings report partial failures, such
// as drift detection timing out.
type ReadyResult struct {
	Actions  []ReadyAction `json:"actions"`
	Total    int           `json:"total"`
	Filtered int           `json:"filtered"`
	Warnings []string      `json:"warnings,omitempty"`
}

// LinkParams is the input to linkDecisions.
type LinkParams struct {
	From   string        `json:"from"`
	To     string        `json:"to"`
	Type   GraphEdgeType `json:"type"`
	Weight *float64      `json:"weight,omitempty"`
}

// Validate checks ids, edge type, and weight range.
func (p *LinkParams) Validate() error {
	if p.From == "" || p.To == "" {
		return fmt.Errorf("from and to are required")
	}
	if p.Type == "" {
		p.Type = EdgeRelatesTo
	}
	if !ValidEdgeType(p.Type) {
		return fmt.Errorf("invalid edge type %q", p.Type)
	}
	if p.Weight != nil && (*p.Weight < 0 || *p.Weight > 1) {
		return fmt.Errorf("weight must be in [0,1]")
	}
	return nil
}

// GraphParams is the input to getGraph.
type GraphParams struct {
	RootID string          `json:"root_id"`
	Depth  int             `json:"depth,omitempty"`
	Types  []GraphEdgeType `json:"types,omitempty"`
}

// GraphNode is one node in a subgraph response.
type GraphNode struct {
	ID       string `json:"id"`
	Summary  string `json:"summary,omitempty"`
	Category string `json:"category,omitempty"`
}

// GraphResult is the getGraph response.
type GraphResult struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// DriftParams is the input to checkDrift.
type DriftParams struct {
	Category          string   `json:"category,omitempty"`
	WindowDays        int      `json:"window_days,omitempty"`
	BrierThreshold    *float64 `json:"brier_threshold,omitempty"`
	AccuracyThreshold *float64 `json:"accuracy_threshold,omitempty"`
}

// CalibrationParams is the input to getCalibration.
type CalibrationParams struct {
	Filters QueryFilters `json:"filters,omitempty"`
}

// ReindexResult is the reindex response.
type ReindexResult struct {
	Reindexed int `json:"reindexed"`
	Skipped   int `json:"skipped"`
}

// AttributeParams is the input to attributeOutcomes.
type AttributeParams struct {
	ID string `json:"id"`
}

// AttributeResult is the attributeOutcomes response.
type AttributeResult struct {
	DecisionID string `json:"decision_id"`
	Updated    int    `json:"updated"`
}

// TrackerDebugResult is the debugTracker response: the calling agent's
// pending tracker sessions, without consuming them.
type TrackerDebugResult struct {
	Sessions map[string][]TrackedInput `json:"sessions"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

// AgentCard is the GET /.well-known/agent.json self-description.
type AgentCard struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Version         string   `json:"version"`
	Capabilities    []string `json:"capabilities"`
	Protocol        string   `json:"protocol"`
	ProtocolVersion string   `json:"protocolVersion"`
}
