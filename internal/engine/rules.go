package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mdm-backend/internal/decision"
	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// RuleResult is the outcome of evaluating one rule against one record.
// Batch runs fill OffendingIDs with the records that failed the rule.
type RuleResult struct {
	RuleID       string            `json:"rule_id"`
	RuleName     string            `json:"rule_name"`
	Type         metadata.RuleType `json:"type"`
	Severity     metadata.Severity `json:"severity"`
	Passed       bool              `json:"passed"`
	Message      string            `json:"message,omitempty"`
	OffendingIDs []string          `json:"offending_ids,omitempty"`
}

// RuleInput carries everything one evaluation needs. Record holds the
// effective values (payload merged over the stored row for updates).
type RuleInput struct {
	Snapshot *metadata.Snapshot
	Record   map[string]any
	RecordID any
	IsUpdate bool

	// RuleIDs restricts the run to the named rules; empty means all.
	RuleIDs []string
}

// Evaluator runs the five rule strategies. Cross-table and uniqueness
// lookups go through query plans, so rule definitions face the same
// identifier allow-lists as caller input.
type Evaluator struct {
	registry  *metadata.Registry
	repo      *Repository
	decisions *decision.Engine
}

func NewEvaluator(registry *metadata.Registry, repo *Repository) *Evaluator {
	return &Evaluator{
		registry:  registry,
		repo:      repo,
		decisions: decision.NewEngine(),
	}
}

// Evaluate runs one rule. An evaluation failure (bad definition, lookup
// error, cancelled context) is fail-closed: the result reports the rule
// as not passed at its own severity.
func (e *Evaluator) Evaluate(ctx context.Context, q store.Querier, rule *metadata.ConsistencyRule, in RuleInput) RuleResult {
	res := RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Type:     rule.Type,
		Severity: rule.Severity,
	}

	passed, err := e.evaluate(ctx, q, rule, in)
	if err != nil {
		res.Passed = false
		res.Message = fmt.Sprintf("rule %s could not be evaluated: %v", rule.Name, err)
		return res
	}
	res.Passed = passed
	if !passed {
		res.Message = renderMessage(rule.Message, in.Record)
		if res.Message == "" {
			res.Message = fmt.Sprintf("rule %s failed", rule.Name)
		}
	}
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, q store.Querier, rule *metadata.ConsistencyRule, in RuleInput) (bool, error) {
	switch rule.Type {
	case metadata.RuleRange:
		return evalConditionSet(rule.Conditions, in.Record)
	case metadata.RuleCrossTable:
		return e.evalCrossTable(ctx, q, rule, in)
	case metadata.RuleUniqueness:
		return e.evalUniqueness(ctx, q, rule, in)
	case metadata.RuleConditional:
		return e.evalConditional(ctx, q, rule, in)
	case metadata.RuleCustom:
		return e.evalCustom(rule, in)
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// evalCrossTable checks referential conditions against other tables.
// exists / not_exists run an EXISTS-style count on the target table;
// other operators compare within the record as usual.
func (e *Evaluator) evalCrossTable(ctx context.Context, q store.Querier, rule *metadata.ConsistencyRule, in RuleInput) (bool, error) {
	result := true
	for i, c := range rule.Conditions {
		var ok bool
		var err error
		switch c.Operator {
		case "exists", "not_exists":
			ok, err = e.lookupExists(ctx, q, c, in)
			if err != nil {
				return false, err
			}
			if c.Operator == "not_exists" {
				ok = !ok
			}
		default:
			ok, err = evalCondition(c, in.Record)
			if err != nil {
				return false, err
			}
		}
		result = combine(result, ok, c, i)
	}
	return result, nil
}

func (e *Evaluator) lookupExists(ctx context.Context, q store.Querier, c metadata.RuleCondition, in RuleInput) (bool, error) {
	if c.RightTable == nil || c.RightColumn == nil {
		return false, fmt.Errorf("cross_table condition on %s is missing right_table or right_column", c.LeftColumn)
	}
	target, err := e.registry.Snapshot(*c.RightTable)
	if err != nil {
		return false, InvalidIdentifierError(*c.RightTable)
	}
	if !target.AllowList().HasColumn(*c.RightColumn) {
		return false, InvalidIdentifierError(*c.RightColumn)
	}

	val, ok := in.Record[c.LeftColumn]
	if !ok || val == nil {
		// nothing to reference; absence is handled by required/nullable
		return true, nil
	}

	plan, err := BuildCountPlan(target, ListOptions{})
	if err != nil {
		return false, err
	}
	plan.preds = append(plan.preds, predicate{column: *c.RightColumn, operator: "eq", value: val})

	n, err := e.repo.Count(ctx, q, plan)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// evalUniqueness counts rows sharing the condition columns' values,
// excluding the record's own row on update. The unique index created by
// the migrator backstops the race this check cannot close.
func (e *Evaluator) evalUniqueness(ctx context.Context, q store.Querier, rule *metadata.ConsistencyRule, in RuleInput) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, fmt.Errorf("uniqueness rule %s declares no columns", rule.Name)
	}

	plan := &QueryPlan{op: opCount, table: in.Snapshot.AllowList().Table()}
	for _, c := range rule.Conditions {
		if !in.Snapshot.AllowList().HasColumn(c.LeftColumn) {
			return false, InvalidIdentifierError(c.LeftColumn)
		}
		val, ok := in.Record[c.LeftColumn]
		if !ok || val == nil {
			return true, nil
		}
		plan.preds = append(plan.preds, predicate{column: c.LeftColumn, operator: "eq", value: val})
	}
	if in.IsUpdate && in.RecordID != nil {
		plan.preds = append(plan.preds, predicate{
			column:   in.Snapshot.Table.PrimaryKey.Column,
			operator: "neq",
			value:    in.RecordID,
		})
	}

	n, err := e.repo.Count(ctx, q, plan)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// evalConditional gates a THEN set behind an IF set. When the gate does
// not match, the rule passes trivially.
func (e *Evaluator) evalConditional(ctx context.Context, q store.Querier, rule *metadata.ConsistencyRule, in RuleInput) (bool, error) {
	var gates, thens []metadata.RuleCondition
	for _, c := range rule.Conditions {
		if c.IsGate() {
			gates = append(gates, c)
		} else {
			thens = append(thens, c)
		}
	}
	if len(thens) == 0 {
		return false, fmt.Errorf("conditional rule %s has no consequent conditions", rule.Name)
	}

	if len(gates) > 0 {
		gated, err := evalConditionSet(gates, in.Record)
		if err != nil {
			return false, err
		}
		if !gated {
			return true, nil
		}
	}
	return evalConditionSet(thens, in.Record)
}

func (e *Evaluator) evalCustom(rule *metadata.ConsistencyRule, in RuleInput) (bool, error) {
	if rule.Decision == nil {
		return false, fmt.Errorf("custom rule %s has no decision definition", rule.Name)
	}
	res, err := e.decisions.Evaluate(rule.Decision, in.Record)
	if err != nil {
		return false, err
	}
	return res.Pass, nil
}

// evalConditionSet combines conditions left to right with their
// connectors. AND and OR associate in declaration order without
// precedence, matching how the rules are authored.
func evalConditionSet(conditions []metadata.RuleCondition, record map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return false, fmt.Errorf("empty condition set")
	}
	result := true
	for i, c := range conditions {
		ok, err := evalCondition(c, record)
		if err != nil {
			return false, err
		}
		result = combine(result, ok, c, i)
	}
	return result, nil
}

func combine(acc, next bool, c metadata.RuleCondition, idx int) bool {
	if idx == 0 {
		return next
	}
	if c.Connects() == "or" {
		return acc || next
	}
	return acc && next
}

func evalCondition(c metadata.RuleCondition, record map[string]any) (bool, error) {
	// absent or null values pass vacuously; required/nullable constraints
	// own absence
	left, ok := record[c.LeftColumn]
	if !ok || left == nil {
		return true, nil
	}

	var right any
	if c.RightColumn != nil {
		r, ok := record[*c.RightColumn]
		if !ok || r == nil {
			return true, nil
		}
		right = r
	} else {
		right = c.Value
	}

	switch c.Operator {
	case "eq":
		return compareValues(left, right) == 0, nil
	case "neq":
		return compareValues(left, right) != 0, nil
	case "gt":
		return compareValues(left, right) > 0, nil
	case "gte":
		return compareValues(left, right) >= 0, nil
	case "lt":
		return compareValues(left, right) < 0, nil
	case "lte":
		return compareValues(left, right) <= 0, nil
	case "between":
		bounds, ok := right.([]any)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("between requires [low, high] on %s", c.LeftColumn)
		}
		return compareValues(left, bounds[0]) >= 0 && compareValues(left, bounds[1]) <= 0, nil
	case "in":
		items, ok := right.([]any)
		if !ok {
			return false, fmt.Errorf("in requires a list on %s", c.LeftColumn)
		}
		for _, item := range items {
			if compareValues(left, item) == 0 {
				return true, nil
			}
		}
		return false, nil
	case "matches":
		pattern, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("matches requires a pattern string on %s", c.LeftColumn)
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern on %s: %w", c.LeftColumn, err)
		}
		return re.MatchString(fmt.Sprint(left)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// compareValues orders two values: numbers numerically, everything else
// as strings. Returns -1, 0 or 1.
func compareValues(a, b any) int {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

var messageToken = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// renderMessage substitutes {column} tokens with record values. Unknown
// tokens are left in place so broken templates stay visible.
func renderMessage(template string, record map[string]any) string {
	if template == "" {
		return ""
	}
	return messageToken.ReplaceAllStringFunc(template, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if v, ok := record[name]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return tok
	})
}
