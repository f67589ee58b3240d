package metadata

import "mdm-backend/internal/decision"

// RuleType is the closed set of evaluation strategies.
type RuleType string

const (
	RuleCrossTable  RuleType = "cross_table"
	RuleRange       RuleType = "range"
	RuleUniqueness  RuleType = "uniqueness"
	RuleConditional RuleType = "conditional"
	RuleCustom      RuleType = "custom"
)

// Severity controls how a failed rule affects the operation.
type Severity string

const (
	SeverityError   Severity = "error"   // blocking
	SeverityWarning Severity = "warning" // surfaced, non-blocking
	SeverityInfo    Severity = "info"    // logged only
)

// Rank orders severities for aggregation; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	default:
		return 1
	}
}

// Timing is the lifecycle point at which a rule is checked.
type Timing string

const (
	TimingBeforeSave Timing = "before_save"
	TimingAfterSave  Timing = "after_save"
	TimingOnDemand   Timing = "on_demand"
	TimingScheduled  Timing = "scheduled"
)

// ConsistencyRule is a cross-entity business invariant stored as data.
// For Type == custom, Decision carries the embedded decision-table
// definition and Conditions is ignored.
type ConsistencyRule struct {
	ID       string   `json:"id"`
	Table    string   `json:"table"` // source table logical name
	Name     string   `json:"name"`
	Type     RuleType `json:"type"`
	Severity Severity `json:"severity"`
	Timing   Timing   `json:"timing"`
	Message  string   `json:"message"` // template; {column} tokens resolve to record values
	Active   bool     `json:"active"`

	Conditions []RuleCondition      `json:"conditions,omitempty"`
	Decision   *decision.Definition `json:"decision,omitempty"`
}

// RuleCondition expresses `left column <operator> right`, where right is
// exactly one of a referenced column or a literal value. Conditions
// combine with AND/OR in declaration order.
type RuleCondition struct {
	LeftColumn  string  `json:"left_column"`
	Operator    string  `json:"operator"` // eq, neq, gt, gte, lt, lte, between, exists, not_exists, matches, in
	RightColumn *string `json:"right_column,omitempty"`
	RightTable  *string `json:"right_table,omitempty"` // cross_table: table holding RightColumn
	Value       any     `json:"value,omitempty"`

	Connector string `json:"connector,omitempty"` // "and" (default) or "or", joining to the previous condition
	Role      string `json:"role,omitempty"`      // conditional rules: "if" gates the "then" set (default "then")
}

// Connects reports how this condition joins the running boolean result.
func (c RuleCondition) Connects() string {
	if c.Connector == "or" {
		return "or"
	}
	return "and"
}

// IsGate reports whether the condition belongs to the IF set of a
// conditional rule.
func (c RuleCondition) IsGate() bool {
	return c.Role == "if"
}
