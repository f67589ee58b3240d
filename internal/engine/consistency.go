package engine

import (
	"context"
	"fmt"
	"time"

	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// Verdict summarizes one check run.
type Verdict string

const (
	VerdictAllowed             Verdict = "allowed"
	VerdictAllowedWithWarnings Verdict = "allowed_with_warnings"
	VerdictBlocked             Verdict = "blocked"
)

// CheckReport is the aggregate of one rule run against one record.
type CheckReport struct {
	Verdict Verdict      `json:"verdict"`
	Results []RuleResult `json:"results"`
}

// Failures returns only the failed results.
func (r *CheckReport) Failures() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Blocked reports whether any error-severity rule failed.
func (r *CheckReport) Blocked() bool {
	return r.Verdict == VerdictBlocked
}

// Checker runs all rules for a timing against one record within a
// bounded evaluation budget. A rule that cannot finish inside the budget
// fails closed at its own severity rather than passing silently.
type Checker struct {
	eval    *Evaluator
	timeout time.Duration
}

func NewChecker(eval *Evaluator, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{eval: eval, timeout: timeout}
}

// Run evaluates every active rule for the timing, in declaration order,
// and aggregates the verdict. The budget covers the whole run. A
// non-empty RuleIDs on the input narrows the run to those rules.
func (c *Checker) Run(ctx context.Context, q store.Querier, timing metadata.Timing, in RuleInput) *CheckReport {
	rules := in.Snapshot.RulesFor(timing)
	if len(in.RuleIDs) > 0 {
		rules = filterRules(rules, in.RuleIDs)
	}
	report := &CheckReport{Verdict: VerdictAllowed}
	if len(rules) == 0 {
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for _, rule := range rules {
		if ctx.Err() != nil {
			report.Results = append(report.Results, timeoutResult(rule))
			continue
		}
		report.Results = append(report.Results, c.eval.Evaluate(ctx, q, rule, in))
	}

	report.Verdict = aggregate(report.Results)
	return report
}

func filterRules(rules []*metadata.ConsistencyRule, ids []string) []*metadata.ConsistencyRule {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*metadata.ConsistencyRule
	for _, r := range rules {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func timeoutResult(rule *metadata.ConsistencyRule) RuleResult {
	return RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Type:     rule.Type,
		Severity: rule.Severity,
		Passed:   false,
		Message:  fmt.Sprintf("rule %s was not evaluated: evaluation budget exceeded", rule.Name),
	}
}

func aggregate(results []RuleResult) Verdict {
	worst := 0
	for _, r := range results {
		if r.Passed {
			continue
		}
		if rank := r.Severity.Rank(); rank > worst {
			worst = rank
		}
	}
	switch {
	case worst >= metadata.SeverityError.Rank():
		return VerdictBlocked
	case worst >= metadata.SeverityWarning.Rank():
		return VerdictAllowedWithWarnings
	default:
		return VerdictAllowed
	}
}
