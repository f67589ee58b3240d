package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// ruleDefinition is the JSON payload of a _rules row; identifying fields
// live in their own columns so rules can be filtered without decoding.
type ruleDefinition struct {
	Name       string          `json:"name,omitempty"`
	Message    string          `json:"message,omitempty"`
	Conditions []RuleCondition `json:"conditions,omitempty"`
	Decision   json.RawMessage `json:"decision,omitempty"`
}

// LoadAll reads all table, relationship, rule and permission definitions
// from the system tables and replaces the registry contents in one step.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	tables, err := loadTables(ctx, db)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}
	rels, err := loadRelationships(ctx, db)
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}
	rules, err := loadRules(ctx, db)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	perms, err := loadPermissions(ctx, db)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	reg.Load(tables, rels, rules, perms)
	log.Printf("Loaded %d tables, %d relationships, %d rules, %d permissions into registry",
		len(tables), len(rels), len(rules), len(perms))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadTables(ctx context.Context, db *sql.DB) ([]*TableDefinition, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _tables ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []*TableDefinition
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		var t TableDefinition
		if err := json.Unmarshal(defJSON, &t); err != nil {
			log.Printf("WARN: skipping table %s (invalid JSON): %v", name, err)
			continue
		}
		tables = append(tables, &t)
	}
	return tables, rows.Err()
}

func loadRelationships(ctx context.Context, db *sql.DB) ([]*TableRelationship, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relationships ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []*TableRelationship
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relationship row: %w", err)
		}
		var rel TableRelationship
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			log.Printf("WARN: skipping relationship %s (invalid JSON): %v", name, err)
			continue
		}
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

func loadRules(ctx context.Context, db *sql.DB) ([]*ConsistencyRule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, table_name, type, severity, timing, definition, active FROM _rules ORDER BY table_name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*ConsistencyRule
	for rows.Next() {
		var r ConsistencyRule
		var defJSON []byte
		if err := rows.Scan(&r.ID, &r.Table, &r.Type, &r.Severity, &r.Timing, &defJSON, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		var def ruleDefinition
		if err := json.Unmarshal(defJSON, &def); err != nil {
			log.Printf("WARN: skipping rule %s (invalid JSON): %v", r.ID, err)
			continue
		}
		r.Name = def.Name
		r.Message = def.Message
		r.Conditions = def.Conditions
		if len(def.Decision) > 0 {
			if err := json.Unmarshal(def.Decision, &r.Decision); err != nil {
				log.Printf("WARN: skipping rule %s (invalid decision table): %v", r.ID, err)
				continue
			}
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func loadPermissions(ctx context.Context, db *sql.DB) ([]*Permission, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, table_name, action, roles FROM _permissions ORDER BY table_name, action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		var p Permission
		var rolesJSON []byte
		if err := rows.Scan(&p.ID, &p.Table, &p.Action, &rolesJSON); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		if err := json.Unmarshal(rolesJSON, &p.Roles); err != nil {
			log.Printf("WARN: skipping permission %s (invalid roles JSON): %v", p.ID, err)
			continue
		}
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}
