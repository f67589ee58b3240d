package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder { return &pgParamBuilder{} }

func (d *PostgresDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (d *PostgresDialect) NowExpr() string { return "NOW()" }

func (d *PostgresDialect) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}
func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) ColumnType(semanticType string) string {
	switch semanticType {
	case "text":
		return "TEXT"
	case "integer":
		return "BIGINT"
	case "decimal":
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "date":
		return "DATE"
	case "datetime":
		return "TIMESTAMPTZ"
	case "identifier":
		return "TEXT"
	case "structured":
		return "JSONB"
	default:
		return "TEXT"
	}
}

// Record mutations run repeatable-read so the before-read, rule checks
// and write observe one database snapshot; unique indexes remain the
// backstop for the uniqueness rule.
func (d *PostgresDialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
}

func (d *PostgresDialect) SystemTablesSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS _tables (
    name        TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL UNIQUE,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS _relationships (
    name         TEXT PRIMARY KEY,
    source_table TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    target_table TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    definition   JSONB NOT NULL,
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    updated_at   TIMESTAMPTZ DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS _rules (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    severity    TEXT NOT NULL DEFAULT 'error',
    timing      TEXT NOT NULL DEFAULT 'before_save',
    definition  JSONB NOT NULL,
    active      BOOLEAN NOT NULL DEFAULT true,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS _permissions (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    action      TEXT NOT NULL,
    roles       JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS _change_log (
    id              TEXT PRIMARY KEY,
    table_name      TEXT NOT NULL,
    record_id       TEXT NOT NULL,
    operation       TEXT NOT NULL,
    before_data     JSONB,
    after_data      JSONB,
    changed_columns JSONB,
    principal       TEXT,
    created_at      TIMESTAMPTZ DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS _rule_runs (
    id            TEXT PRIMARY KEY,
    table_name    TEXT NOT NULL,
    rule_id       TEXT NOT NULL,
    timing        TEXT NOT NULL,
    passed        BOOLEAN NOT NULL,
    severity      TEXT NOT NULL,
    message       TEXT,
    offending_ids JSONB,
    created_at    TIMESTAMPTZ DEFAULT NOW()
)`,
	}
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
		case "40001":
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		}
	}
	return err
}
