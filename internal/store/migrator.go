package store

import (
	"context"
	"fmt"
	"strings"

	"mdm-backend/internal/metadata"
)

// Migrator keeps physical tables in step with their TableDefinitions.
// Identifier safety is the admin layer's responsibility: definitions
// reach the migrator only after their names pass identifier validation.
type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate ensures the physical table matches the definition. Creates the
// table if it doesn't exist, or adds missing columns. Columns are never
// dropped here; removing a column from metadata only removes it from the
// allow-list.
func (m *Migrator) Migrate(ctx context.Context, t *metadata.TableDefinition) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, t.PhysicalName())
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return m.createTable(ctx, t)
	}
	return m.alterTable(ctx, t)
}

// MigrateJoinTable creates the join table for a many-to-many relationship.
func (m *Migrator) MigrateJoinTable(ctx context.Context, rel *metadata.TableRelationship, source, target *metadata.TableDefinition) error {
	if rel.JoinTable == "" {
		return fmt.Errorf("relationship %s has no join table", rel.Name)
	}
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	d := m.store.Dialect
	keyType := d.ColumnType(source.PrimaryKey.Type)
	sql := fmt.Sprintf(
		"CREATE TABLE %s (\n  %s %s NOT NULL,\n  %s %s NOT NULL,\n  PRIMARY KEY (%s, %s)\n)",
		d.QuoteIdent(rel.JoinTable),
		d.QuoteIdent(rel.SourceJoinColumn), keyType,
		d.QuoteIdent(rel.TargetJoinColumn), d.ColumnType(target.PrimaryKey.Type),
		d.QuoteIdent(rel.SourceJoinColumn), d.QuoteIdent(rel.TargetJoinColumn),
	)
	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, t *metadata.TableDefinition) error {
	var cols []string
	for i := range t.Columns {
		cols = append(cols, m.buildColumnDef(t, &t.Columns[i]))
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)",
		m.store.Dialect.QuoteIdent(t.PhysicalName()), strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", t.PhysicalName(), err)
	}

	for _, c := range t.Columns {
		if c.Unique && c.Name != t.PrimaryKey.Column {
			if err := m.createUniqueIndex(ctx, t.PhysicalName(), c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, t *metadata.TableDefinition) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, t.PhysicalName())
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", t.PhysicalName(), err)
	}

	d := m.store.Dialect
	for _, c := range t.Columns {
		if _, ok := existing[c.Name]; ok {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			d.QuoteIdent(t.PhysicalName()), d.QuoteIdent(c.Name), d.ColumnType(c.Type))
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", t.PhysicalName(), c.Name, err)
		}
		if c.Unique {
			if err := m.createUniqueIndex(ctx, t.PhysicalName(), c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// createUniqueIndex is the storage backstop for the uniqueness rule: a
// concurrent insert that races past rule evaluation still hits the index.
func (m *Migrator) createUniqueIndex(ctx context.Context, table, column string) error {
	d := m.store.Dialect
	sql := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		d.QuoteIdent(fmt.Sprintf("idx_%s_%s", table, column)),
		d.QuoteIdent(table), d.QuoteIdent(column))
	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (m *Migrator) buildColumnDef(t *metadata.TableDefinition, c *metadata.ColumnDefinition) string {
	d := m.store.Dialect
	col := d.QuoteIdent(c.Name) + " " + d.ColumnType(c.Type)

	if c.Name == t.PrimaryKey.Column {
		col += " PRIMARY KEY"
		return col
	}
	if c.Required && !c.Nullable {
		col += " NOT NULL"
	}
	if c.Default != nil {
		switch v := c.Default.(type) {
		case string:
			col += fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
		case bool:
			col += " DEFAULT " + d.BoolLiteral(v)
		default:
			col += fmt.Sprintf(" DEFAULT %v", v)
		}
	}
	return col
}
