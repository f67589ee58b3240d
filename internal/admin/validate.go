package admin

import (
	"fmt"
	"regexp"

	"mdm-backend/internal/metadata"
)

// identPattern is the shape every physical identifier must have before
// it can appear in DDL. Stricter than what the databases allow on
// purpose.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxIdentLen = 63

var validColumnTypes = map[string]bool{
	metadata.TypeText:       true,
	metadata.TypeInteger:    true,
	metadata.TypeDecimal:    true,
	metadata.TypeBoolean:    true,
	metadata.TypeDate:       true,
	metadata.TypeDatetime:   true,
	metadata.TypeIdentifier: true,
	metadata.TypeStructured: true,
}

var validRuleTypes = map[metadata.RuleType]bool{
	metadata.RuleCrossTable:  true,
	metadata.RuleRange:       true,
	metadata.RuleUniqueness:  true,
	metadata.RuleConditional: true,
	metadata.RuleCustom:      true,
}

var validSeverities = map[metadata.Severity]bool{
	metadata.SeverityError:   true,
	metadata.SeverityWarning: true,
	metadata.SeverityInfo:    true,
}

var validTimings = map[metadata.Timing]bool{
	metadata.TimingBeforeSave: true,
	metadata.TimingAfterSave:  true,
	metadata.TimingOnDemand:   true,
	metadata.TimingScheduled:  true,
}

func validIdent(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > maxIdentLen {
		return fmt.Errorf("identifier %q exceeds %d characters", name, maxIdentLen)
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must match %s", name, identPattern.String())
	}
	return nil
}

func validateTable(t *metadata.TableDefinition) error {
	if err := validIdent(t.Name); err != nil {
		return fmt.Errorf("table name: %w", err)
	}
	if t.Table != "" {
		if err := validIdent(t.Table); err != nil {
			return fmt.Errorf("physical table name: %w", err)
		}
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s declares no columns", t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if err := validIdent(c.Name); err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %s", c.Name)
		}
		seen[c.Name] = true
		if !validColumnTypes[c.Type] {
			return fmt.Errorf("column %s has unknown type %q", c.Name, c.Type)
		}
		if c.Pattern != "" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				return fmt.Errorf("column %s has invalid pattern: %w", c.Name, err)
			}
		}
		if c.MinValue != nil && c.MaxValue != nil && *c.MinValue > *c.MaxValue {
			return fmt.Errorf("column %s has min_value above max_value", c.Name)
		}
	}

	if t.PrimaryKey.Column == "" {
		return fmt.Errorf("table %s has no primary key column", t.Name)
	}
	if !seen[t.PrimaryKey.Column] {
		return fmt.Errorf("primary key column %s is not declared", t.PrimaryKey.Column)
	}
	return nil
}

func validateRelationship(rel *metadata.TableRelationship) error {
	if err := validIdent(rel.Name); err != nil {
		return fmt.Errorf("relationship name: %w", err)
	}
	switch rel.Type {
	case "one_to_one", "one_to_many", "many_to_many":
	default:
		return fmt.Errorf("relationship %s has unknown type %q", rel.Name, rel.Type)
	}
	switch rel.OnDelete {
	case "", "restrict", "cascade", "set_null":
	default:
		return fmt.Errorf("relationship %s has unknown on_delete %q", rel.Name, rel.OnDelete)
	}
	if rel.IsManyToMany() {
		for _, name := range []string{rel.JoinTable, rel.SourceJoinColumn, rel.TargetJoinColumn} {
			if err := validIdent(name); err != nil {
				return fmt.Errorf("relationship %s join table: %w", rel.Name, err)
			}
		}
	}
	return nil
}

func validateRule(rule *metadata.ConsistencyRule, table *metadata.TableDefinition) error {
	if rule.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if !validRuleTypes[rule.Type] {
		return fmt.Errorf("rule %s has unknown type %q", rule.Name, rule.Type)
	}
	if !validSeverities[rule.Severity] {
		return fmt.Errorf("rule %s has unknown severity %q", rule.Name, rule.Severity)
	}
	if !validTimings[rule.Timing] {
		return fmt.Errorf("rule %s has unknown timing %q", rule.Name, rule.Timing)
	}

	if rule.Type == metadata.RuleCustom {
		if rule.Decision == nil {
			return fmt.Errorf("custom rule %s has no decision definition", rule.Name)
		}
		return nil
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("rule %s declares no conditions", rule.Name)
	}
	for _, c := range rule.Conditions {
		if !table.HasColumn(c.LeftColumn) {
			return fmt.Errorf("rule %s references unknown column %s", rule.Name, c.LeftColumn)
		}
		if c.RightColumn != nil && c.RightTable == nil && !table.HasColumn(*c.RightColumn) {
			return fmt.Errorf("rule %s references unknown column %s", rule.Name, *c.RightColumn)
		}
		if rule.Type == metadata.RuleCrossTable && (c.Operator == "exists" || c.Operator == "not_exists") {
			if c.RightTable == nil || c.RightColumn == nil {
				return fmt.Errorf("rule %s condition on %s needs right_table and right_column", rule.Name, c.LeftColumn)
			}
		}
	}
	return nil
}

func validatePermission(p *metadata.Permission) error {
	switch p.Action {
	case "read", "create", "update", "delete":
	default:
		return fmt.Errorf("permission has unknown action %q", p.Action)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("permission for %s on %s grants no roles", p.Action, p.Table)
	}
	return nil
}
