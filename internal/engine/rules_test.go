package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdm-backend/internal/decision"
	"mdm-backend/internal/metadata"
)

func strPtr(s string) *string { return &s }

func newTestEvaluator(t *testing.T) (*Evaluator, *metadata.Snapshot) {
	t.Helper()
	snap := departmentsSnapshot(t)
	reg := metadata.NewRegistry()
	return NewEvaluator(reg, nil), snap
}

func TestRangeRulePasses(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:       "r1",
		Name:     "unit price range",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "unit_price", Operator: "gte", Value: 0},
			{LeftColumn: "unit_price", Operator: "lte", Value: 999999},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"unit_price": 49.99},
	})
	assert.True(t, res.Passed)
}

func TestRangeRuleFailsOutsideBounds(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:       "r1",
		Name:     "unit price range",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityError,
		Message:  "unit price {unit_price} is out of range",
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "unit_price", Operator: "gte", Value: 0},
			{LeftColumn: "unit_price", Operator: "lte", Value: 999999},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"unit_price": -5},
	})
	assert.False(t, res.Passed)
	assert.Equal(t, "unit price -5 is out of range", res.Message)
}

func TestRangeRuleBetweenOperator(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:   "r2",
		Name: "head count window",
		Type: metadata.RuleRange,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "head_count", Operator: "between", Value: []any{1, 100}},
		},
	}
	pass := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap, Record: map[string]any{"head_count": 50},
	})
	fail := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap, Record: map[string]any{"head_count": 500},
	})
	assert.True(t, pass.Passed)
	assert.False(t, fail.Passed)
}

func TestConditionConnectorsLeftToRight(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	// (status == "active" AND score >= 50) OR override == true, evaluated
	// left to right without precedence
	rule := &metadata.ConsistencyRule{
		ID:   "r3",
		Name: "connector chain",
		Type: metadata.RuleRange,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "status", Operator: "eq", Value: "active"},
			{LeftColumn: "score", Operator: "gte", Value: 50, Connector: "and"},
			{LeftColumn: "override", Operator: "eq", Value: true, Connector: "or"},
		},
	}

	byOverride := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"status": "inactive", "score": 10, "override": true},
	})
	assert.True(t, byOverride.Passed)

	allFail := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"status": "inactive", "score": 10, "override": false},
	})
	assert.False(t, allFail.Passed)
}

func TestConditionalRuleGate(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	// IF country == "US" THEN tax_code must be set
	rule := &metadata.ConsistencyRule{
		ID:   "r4",
		Name: "us tax code",
		Type: metadata.RuleConditional,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "country", Operator: "eq", Value: "US", Role: "if"},
			{LeftColumn: "tax_code", Operator: "neq", Value: ""},
		},
	}

	gateClosed := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"country": "DE", "tax_code": ""},
	})
	assert.True(t, gateClosed.Passed)

	gateOpenFails := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"country": "US", "tax_code": ""},
	})
	assert.False(t, gateOpenFails.Passed)

	gateOpenPasses := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"country": "US", "tax_code": "TX-9"},
	})
	assert.True(t, gateOpenPasses.Passed)
}

func TestColumnToColumnComparison(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:   "r5",
		Name: "end after start",
		Type: metadata.RuleRange,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "end_date", Operator: "gte", RightColumn: strPtr("start_date")},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"start_date": "2026-02-01", "end_date": "2026-01-15"},
	})
	assert.False(t, res.Passed)
}

func TestMatchesOperator(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:   "r6",
		Name: "code format",
		Type: metadata.RuleRange,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "code", Operator: "matches", Value: "^[A-Z]{3}[0-9]{3}$"},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"code": "FIN001"},
	})
	assert.True(t, res.Passed)
}

func TestCustomRuleUsesDecisionTable(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:       "r7",
		Name:     "discount policy",
		Type:     metadata.RuleCustom,
		Severity: metadata.SeverityError,
		Decision: &decision.Definition{
			Inputs: []decision.Input{{Name: "discount"}},
			Tables: []decision.Table{{
				Rows: []decision.Row{{
					When: map[string]string{"discount": "value > 0.5"},
					Then: decision.Outcome{Pass: false, Message: "discount too steep"},
				}},
			}},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"discount": 0.7},
	})
	assert.False(t, res.Passed)
}

func TestAbsentValuePassesVacuously(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:       "r8",
		Name:     "optional budget floor",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityError,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "budget", Operator: "gte", Value: 0},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"name": "Finance"},
	})
	assert.True(t, res.Passed)
}

func TestBrokenRuleFailsClosed(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:       "r8b",
		Name:     "broken rule",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityError,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "code", Operator: "matches", Value: "([unclosed"},
		},
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{"code": "FIN001"},
	})
	require.False(t, res.Passed)
	assert.Contains(t, res.Message, "could not be evaluated")
}

func TestUnknownRuleTypeFailsClosed(t *testing.T) {
	eval, snap := newTestEvaluator(t)
	rule := &metadata.ConsistencyRule{
		ID:   "r9",
		Name: "mystery",
		Type: metadata.RuleType("telepathy"),
	}
	res := eval.Evaluate(context.Background(), nil, rule, RuleInput{
		Snapshot: snap,
		Record:   map[string]any{},
	})
	assert.False(t, res.Passed)
}

func TestRenderMessageLeavesUnknownTokens(t *testing.T) {
	msg := renderMessage("value {price} for {unknown}", map[string]any{"price": 10})
	assert.Equal(t, "value 10 for {unknown}", msg)
}
