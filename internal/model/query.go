package model

import "time"

// Status filters decisions by review state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReviewed Status = "reviewed"
)

// RetrievalMode selects the retrieval pipeline for a query.
type RetrievalMode string

const (
	RetrievalSemantic RetrievalMode = "semantic"
	RetrievalKeyword  RetrievalMode = "keyword"
	RetrievalHybrid   RetrievalMode = "hybrid"
)

// BridgeSide selects which face of the bridge definition a query targets.
type BridgeSide string

const (
	BridgeStructure BridgeSide = "structure"
	BridgeFunction  BridgeSide = "function"
	BridgeBoth      BridgeSide = "both"
)

// QueryFilters narrows a retrieval or list operation.
// Zero values mean "no constraint".
type QueryFilters struct {
	Category      string     `json:"category,omitempty"`
	MinConfidence *float64   `json:"min_confidence,omitempty"`
	MaxConfidence *float64   `json:"max_confidence,omitempty"`
	Stakes        []Stakes   `json:"stakes,omitempty"`
	Status        []Status   `json:"status,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Project       string     `json:"project,omitempty"`
	Feature       string     `json:"feature,omitempty"`
	PR            int        `json:"pr,omitempty"`
	HasOutcome    *bool      `json:"has_outcome,omitempty"`
	DateAfter     *time.Time `json:"date_after,omitempty"`
	DateBefore    *time.Time `json:"date_before,omitempty"`
	Search        string     `json:"search,omitempty"`
}

// Match reports whether a decision satisfies every set filter.
// Shared by the in-memory store and the vector-result post-filter so both
// paths agree on semantics.
func (f *QueryFilters) Match(d *Decision) bool {
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.MinConfidence != nil && d.Confidence < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil && d.Confidence > *f.MaxConfidence {
		return false
	}
	if len(f.Stakes) > 0 && !containsStakes(f.Stakes, d.Stakes) {
		return false
	}
	if len(f.Status) > 0 {
		status := StatusPending
		if d.Reviewed() {
			status = StatusReviewed
		}
		if !containsStatus(f.Status, status) {
			return false
		}
	}
	if f.AgentID != "" && d.AgentID != f.AgentID {
		return false
	}
	if f.Project != "" && d.Project != f.Project {
		return false
	}
	if f.Feature != "" && d.Feature != f.Feature {
		return false
	}
	if f.PR != 0 && d.PR != f.PR {
		return false
	}
	if f.HasOutcome != nil && d.Reviewed() != *f.HasOutcome {
		return false
	}
	if f.DateAfter != nil && d.CreatedAt.Before(*f.DateAfter) {
		return false
	}
	if f.DateBefore != nil && d.CreatedAt.After(*f.DateBefore) {
		return false
	}
	if len(f.Tags) > 0 {
		tagSet := make(map[string]bool, len(d.Tags))
		for _, t := range d.Tags {
			tagSet[t] = true
		}
		for _, want := range f.Tags {
			if !tagSet[want] {
				return false
			}
		}
	}
	return true
}

func containsStakes(set []Stakes, s Stakes) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// MaxPageSize caps list and query result sizes.
const MaxPageSize = 50

// ListQuery is a paginated, filtered, sorted list request against the
// decision store.
type ListQuery struct {
	Filters  QueryFilters `json:"filters"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
	SortDesc bool         `json:"sort_desc"` // by created_at; desc when true
}

// Normalize clamps pagination to the allowed range.
func (q *ListQuery) Normalize() {
	if q.Limit < 0 {
		q.Limit = 0
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// ListResult is a page of decisions plus the total match count.
type ListResult struct {
	Items []Decision `json:"items"`
	Total int        `json:"total_matching"`
}

// StatsWindow bounds a stats computation.
type StatsWindow struct {
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// DecisionStats is the aggregate view over a filtered decision set.
type DecisionStats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByStakes   map[string]int `json:"by_stakes"`
	ByStatus   map[string]int `json:"by_status"`
	ByAgent    map[string]int `json:"by_agent"`
	ByDay      map[string]int `json:"by_day"`
	TopTags    []TagCount     `json:"top_tags"`
	Last24h    int            `json:"last_24h"`
	Last7d     int            `json:"last_7d"`
	Last30d    int            `json:"last_30d"`
}

// TagCount pairs a tag with its frequency.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
