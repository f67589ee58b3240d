package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// Service manages the metadata itself: table definitions, relationships,
// rules and permission policies. Every mutation is written to the system
// tables, migrated where needed and followed by a full registry reload,
// which bumps the version of each changed table.
type Service struct {
	store    *store.Store
	registry *metadata.Registry
	migrator *store.Migrator
}

func NewService(s *store.Store, registry *metadata.Registry) *Service {
	return &Service{store: s, registry: registry, migrator: store.NewMigrator(s)}
}

func (s *Service) reload(ctx context.Context) error {
	return metadata.Reload(ctx, s.store.DB, s.registry)
}

// ListTables returns all table definitions, active or not.
func (s *Service) ListTables(ctx context.Context) ([]*metadata.TableDefinition, error) {
	rows, err := store.QueryRows(ctx, s.store.DB, "SELECT definition FROM _tables ORDER BY name")
	if err != nil {
		return nil, err
	}
	var tables []*metadata.TableDefinition
	for _, row := range rows {
		var t metadata.TableDefinition
		if err := json.Unmarshal([]byte(asString(row["definition"])), &t); err != nil {
			continue
		}
		tables = append(tables, &t)
	}
	return tables, nil
}

// GetTable returns one table definition by logical name.
func (s *Service) GetTable(ctx context.Context, name string) (*metadata.TableDefinition, error) {
	pb := s.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.store.DB,
		fmt.Sprintf("SELECT definition FROM _tables WHERE name = %s", pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	var t metadata.TableDefinition
	if err := json.Unmarshal([]byte(asString(row["definition"])), &t); err != nil {
		return nil, fmt.Errorf("decode table %s: %w", name, err)
	}
	return &t, nil
}

// SaveTable validates and upserts a table definition, migrates the
// physical table and reloads the registry.
func (s *Service) SaveTable(ctx context.Context, t *metadata.TableDefinition) error {
	if err := validateTable(t); err != nil {
		return err
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode table %s: %w", t.Name, err)
	}

	exists, err := s.rowExists(ctx, "_tables", "name", t.Name)
	if err != nil {
		return err
	}
	d := s.store.Dialect
	pb := d.NewParamBuilder()
	var sqlStr string
	if exists {
		sqlStr = fmt.Sprintf("UPDATE _tables SET table_name = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(t.PhysicalName()), pb.Add(string(raw)), d.NowExpr(), pb.Add(t.Name))
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO _tables (name, table_name, definition) VALUES (%s, %s, %s)",
			pb.Add(t.Name), pb.Add(t.PhysicalName()), pb.Add(string(raw)))
	}
	if _, err := s.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("save table %s: %w", t.Name, s.store.Dialect.MapError(err))
	}

	if err := s.migrator.Migrate(ctx, t); err != nil {
		return err
	}
	return s.reload(ctx)
}

// DeleteTable removes a table definition and, via foreign keys, its
// relationships, rules and permissions. The physical table and its data
// are left in place; dropping data is an operator decision, not an API
// side effect.
func (s *Service) DeleteTable(ctx context.Context, name string) error {
	pb := s.store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.store.DB,
		fmt.Sprintf("DELETE FROM _tables WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.reload(ctx)
}

// SaveRelationship validates and upserts a relationship, creating the
// join table for many-to-many edges.
func (s *Service) SaveRelationship(ctx context.Context, rel *metadata.TableRelationship) error {
	if err := validateRelationship(rel); err != nil {
		return err
	}
	source, err := s.GetTable(ctx, rel.SourceTable)
	if err != nil {
		return fmt.Errorf("relationship %s: unknown source table %s", rel.Name, rel.SourceTable)
	}
	target, err := s.GetTable(ctx, rel.TargetTable)
	if err != nil {
		return fmt.Errorf("relationship %s: unknown target table %s", rel.Name, rel.TargetTable)
	}
	if !rel.IsManyToMany() {
		if !source.HasColumn(rel.SourceColumn) {
			return fmt.Errorf("relationship %s: %s has no column %s", rel.Name, rel.SourceTable, rel.SourceColumn)
		}
		if !target.HasColumn(rel.TargetColumn) {
			return fmt.Errorf("relationship %s: %s has no column %s", rel.Name, rel.TargetTable, rel.TargetColumn)
		}
	}

	raw, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("encode relationship %s: %w", rel.Name, err)
	}

	exists, err := s.rowExists(ctx, "_relationships", "name", rel.Name)
	if err != nil {
		return err
	}
	d := s.store.Dialect
	pb := d.NewParamBuilder()
	var sqlStr string
	if exists {
		sqlStr = fmt.Sprintf("UPDATE _relationships SET source_table = %s, target_table = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(rel.SourceTable), pb.Add(rel.TargetTable), pb.Add(string(raw)), d.NowExpr(), pb.Add(rel.Name))
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO _relationships (name, source_table, target_table, definition) VALUES (%s, %s, %s, %s)",
			pb.Add(rel.Name), pb.Add(rel.SourceTable), pb.Add(rel.TargetTable), pb.Add(string(raw)))
	}
	if _, err := s.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("save relationship %s: %w", rel.Name, s.store.Dialect.MapError(err))
	}

	if rel.IsManyToMany() {
		if err := s.migrator.MigrateJoinTable(ctx, rel, source, target); err != nil {
			return err
		}
	}
	return s.reload(ctx)
}

// DeleteRelationship removes a relationship definition.
func (s *Service) DeleteRelationship(ctx context.Context, name string) error {
	pb := s.store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.store.DB,
		fmt.Sprintf("DELETE FROM _relationships WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.reload(ctx)
}

// SaveRule validates and upserts a consistency rule. Cross-table
// conditions must resolve against existing metadata; a dangling target
// would fail closed on every write to the source table.
func (s *Service) SaveRule(ctx context.Context, rule *metadata.ConsistencyRule) error {
	table, err := s.GetTable(ctx, rule.Table)
	if err != nil {
		return fmt.Errorf("rule %s: unknown table %s", rule.Name, rule.Table)
	}
	if err := validateRule(rule, table); err != nil {
		return err
	}
	for _, c := range rule.Conditions {
		if c.RightTable == nil {
			continue
		}
		target, err := s.GetTable(ctx, *c.RightTable)
		if err != nil {
			return fmt.Errorf("rule %s: unknown table %s", rule.Name, *c.RightTable)
		}
		if c.RightColumn == nil {
			return fmt.Errorf("rule %s: condition on %s names table %s without a column", rule.Name, c.LeftColumn, *c.RightTable)
		}
		if !target.HasColumn(*c.RightColumn) {
			return fmt.Errorf("rule %s: %s has no column %s", rule.Name, *c.RightTable, *c.RightColumn)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	def := map[string]any{
		"name":    rule.Name,
		"message": rule.Message,
	}
	if len(rule.Conditions) > 0 {
		def["conditions"] = rule.Conditions
	}
	if rule.Decision != nil {
		def["decision"] = rule.Decision
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.Name, err)
	}

	exists, err := s.rowExists(ctx, "_rules", "id", rule.ID)
	if err != nil {
		return err
	}
	d := s.store.Dialect
	pb := d.NewParamBuilder()
	var sqlStr string
	if exists {
		sqlStr = fmt.Sprintf("UPDATE _rules SET table_name = %s, type = %s, severity = %s, timing = %s, definition = %s, active = %s, updated_at = %s WHERE id = %s",
			pb.Add(rule.Table), pb.Add(string(rule.Type)), pb.Add(string(rule.Severity)), pb.Add(string(rule.Timing)),
			pb.Add(string(raw)), pb.Add(rule.Active), d.NowExpr(), pb.Add(rule.ID))
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO _rules (id, table_name, type, severity, timing, definition, active) VALUES (%s, %s, %s, %s, %s, %s, %s)",
			pb.Add(rule.ID), pb.Add(rule.Table), pb.Add(string(rule.Type)), pb.Add(string(rule.Severity)),
			pb.Add(string(rule.Timing)), pb.Add(string(raw)), pb.Add(rule.Active))
	}
	if _, err := s.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.Name, s.store.Dialect.MapError(err))
	}
	return s.reload(ctx)
}

// DeleteRule removes a rule by id.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	pb := s.store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.store.DB,
		fmt.Sprintf("DELETE FROM _rules WHERE id = %s", pb.Add(id)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.reload(ctx)
}

// SavePermission validates and upserts a permission policy.
func (s *Service) SavePermission(ctx context.Context, p *metadata.Permission) error {
	if err := validatePermission(p); err != nil {
		return err
	}
	if _, err := s.GetTable(ctx, p.Table); err != nil {
		return fmt.Errorf("permission: unknown table %s", p.Table)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	roles, err := json.Marshal(p.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	exists, err := s.rowExists(ctx, "_permissions", "id", p.ID)
	if err != nil {
		return err
	}
	d := s.store.Dialect
	pb := d.NewParamBuilder()
	var sqlStr string
	if exists {
		sqlStr = fmt.Sprintf("UPDATE _permissions SET table_name = %s, action = %s, roles = %s WHERE id = %s",
			pb.Add(p.Table), pb.Add(p.Action), pb.Add(string(roles)), pb.Add(p.ID))
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO _permissions (id, table_name, action, roles) VALUES (%s, %s, %s, %s)",
			pb.Add(p.ID), pb.Add(p.Table), pb.Add(p.Action), pb.Add(string(roles)))
	}
	if _, err := s.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("save permission: %w", s.store.Dialect.MapError(err))
	}
	return s.reload(ctx)
}

// DeletePermission removes a permission policy by id.
func (s *Service) DeletePermission(ctx context.Context, id string) error {
	pb := s.store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.store.DB,
		fmt.Sprintf("DELETE FROM _permissions WHERE id = %s", pb.Add(id)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.reload(ctx)
}

// ListRules returns the rules for one table, or all rules when table is
// empty.
func (s *Service) ListRules(ctx context.Context, table string) ([]map[string]any, error) {
	if table == "" {
		return store.QueryRows(ctx, s.store.DB,
			"SELECT id, table_name, type, severity, timing, definition, active FROM _rules ORDER BY table_name, id")
	}
	pb := s.store.Dialect.NewParamBuilder()
	return store.QueryRows(ctx, s.store.DB,
		fmt.Sprintf("SELECT id, table_name, type, severity, timing, definition, active FROM _rules WHERE table_name = %s ORDER BY id", pb.Add(table)),
		pb.Params()...)
}

// rowExists reports whether a system table holds a row with the key.
// System table and column names here are compile-time constants.
func (s *Service) rowExists(ctx context.Context, table, keyColumn, key string) (bool, error) {
	pb := s.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.store.DB,
		fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s = %s", table, keyColumn, pb.Add(key)),
		pb.Params()...)
	if err != nil {
		return false, err
	}
	switch v := row["count"].(type) {
	case int64:
		return v > 0, nil
	case int:
		return v > 0, nil
	default:
		return strings.TrimSpace(fmt.Sprint(v)) != "0", nil
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
