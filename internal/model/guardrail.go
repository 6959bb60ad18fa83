package model

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so rule files can write "1h" or "30m" and
// JSON payloads can carry either the same string or nanoseconds.
type Duration time.Duration

// UnmarshalYAML accepts "1h30m" strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("model: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("model: invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalJSON accepts "1h30m" strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	if len(raw) > 0 && raw[0] == '"' {
		s := string(raw[1 : len(raw)-1])
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("model: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return fmt.Errorf("model: invalid duration %q", string(raw))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON emits the string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Operator is a guardrail condition comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNe       Operator = "!="
	OpLt       Operator = "<"
	OpGt       Operator = ">"
	OpLe       Operator = "<="
	OpGe       Operator = ">="
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// ValidOperator reports whether op is a known comparison operator.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe, OpIn, OpContains:
		return true
	}
	return false
}

// ConditionKind discriminates the extended condition variants.
type ConditionKind string

const (
	ConditionField     ConditionKind = "field"
	ConditionSemantic  ConditionKind = "semantic"
	ConditionTemporal  ConditionKind = "temporal"
	ConditionAggregate ConditionKind = "aggregate"
	ConditionCompound  ConditionKind = "compound"
)

// Condition is one test inside a guardrail rule. Kind selects which field
// group is meaningful; a plain field test leaves Kind empty.
type Condition struct {
	Kind ConditionKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Field test (the default kind).
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	// Semantic: the action description's similarity to past decisions
	// (restricted by Where) crosses Threshold and any match failed.
	Threshold float64        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Where     map[string]any `json:"where,omitempty" yaml:"where,omitempty"`

	// Temporal: at least Count decisions matching Where within Window.
	Window Duration `json:"window,omitempty" yaml:"window,omitempty"`
	Count  int      `json:"count,omitempty" yaml:"count,omitempty"`

	// Aggregate: a computed statistic for Category crosses Threshold.
	Metric   string `json:"metric,omitempty" yaml:"metric,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	// Compound: AND/OR over sub-conditions.
	Op  string      `json:"op,omitempty" yaml:"op,omitempty"` // "and" | "or"
	Sub []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// GuardrailAction is what a matched-but-failed rule does.
type GuardrailAction string

const (
	ActionBlock GuardrailAction = "block"
	ActionWarn  GuardrailAction = "warn"
)

// Guardrail is one loaded policy rule. Rules are immutable while loaded;
// reload swaps the whole snapshot.
type Guardrail struct {
	ID           string          `json:"id" yaml:"id"`
	Description  string          `json:"description" yaml:"description"`
	Scope        []string        `json:"scope,omitempty" yaml:"scope,omitempty"`
	Conditions   []Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Requirements []string        `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Action       GuardrailAction `json:"action" yaml:"action"`
	Message      string          `json:"message" yaml:"message"`
	Suggestion   string          `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// Validate checks a single rule definition at load time.
func (g *Guardrail) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("model: guardrail id is required")
	}
	if g.Action != ActionBlock && g.Action != ActionWarn {
		return fmt.Errorf("model: guardrail %q: invalid action %q", g.ID, g.Action)
	}
	for i := range g.Conditions {
		if err := validateCondition(&g.Conditions[i], g.ID); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c *Condition, ruleID string) error {
	switch c.Kind {
	case "", ConditionField:
		if c.Field == "" {
			return fmt.Errorf("model: guardrail %q: condition missing field", ruleID)
		}
		if !ValidOperator(c.Operator) {
			return fmt.Errorf("model: guardrail %q: unknown operator %q", ruleID, c.Operator)
		}
	case ConditionSemantic:
		if c.Threshold <= 0 || c.Threshold > 1 {
			return fmt.Errorf("model: guardrail %q: semantic threshold %v out of (0,1]", ruleID, c.Threshold)
		}
	case ConditionTemporal:
		if c.Window <= 0 {
			return fmt.Errorf("model: guardrail %q: temporal window must be positive", ruleID)
		}
	case ConditionAggregate:
		if c.Metric == "" {
			return fmt.Errorf("model: guardrail %q: aggregate condition missing metric", ruleID)
		}
	case ConditionCompound:
		if c.Op != "and" && c.Op != "or" {
			return fmt.Errorf("model: guardrail %q: compound op must be and/or, got %q", ruleID, c.Op)
		}
		if len(c.Sub) == 0 {
			return fmt.Errorf("model: guardrail %q: compound condition has no sub-conditions", ruleID)
		}
		for i := range c.Sub {
			if err := validateCondition(&c.Sub[i], ruleID); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("model: guardrail %q: unknown condition kind %q", ruleID, c.Kind)
	}
	return nil
}

// Severity is the outcome of evaluating one rule against one action.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityPass  Severity = "pass"
)

// GuardrailResult is the per-rule evaluation outcome.
type GuardrailResult struct {
	GuardrailID string   `json:"guardrail_id"`
	Matched     bool     `json:"matched"`
	Passed      bool     `json:"passed"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// ActionContext is the input to a guardrail check. Context flattens into the
// condition field namespace; description, category, stakes and confidence are
// reserved names resolved first.
type ActionContext struct {
	Description string         `json:"description"`
	Category    string         `json:"category,omitempty"`
	Stakes      Stakes         `json:"stakes,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Project     string         `json:"project,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Field resolves a condition field name against the action context.
// Reserved names win over the free-form context map.
func (a *ActionContext) Field(name string) (any, bool) {
	switch name {
	case "description":
		return a.Description, true
	case "category":
		if a.Category == "" {
			return nil, false
		}
		return a.Category, true
	case "stakes":
		return string(a.Stakes), true
	case "confidence":
		if a.Confidence == nil {
			return nil, false
		}
		return *a.Confidence, true
	case "project":
		if a.Project == "" {
			return nil, false
		}
		return a.Project, true
	}
	v, ok := a.Context[name]
	return v, ok
}

// CheckResult aggregates all rule evaluations for one action.
type CheckResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []GuardrailResult `json:"violations"`
	Evaluated   int               `json:"evaluated"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}
