package store

import (
	"context"
	"database/sql"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder { return &qmarkParamBuilder{} }

func (d *SQLiteDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (d *SQLiteDialect) NowExpr() string { return "datetime('now')" }

func (d *SQLiteDialect) BoolLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) ColumnType(semanticType string) string {
	switch semanticType {
	case "text":
		return "TEXT"
	case "integer":
		return "INTEGER"
	case "decimal":
		return "REAL"
	case "boolean":
		return "INTEGER"
	case "date", "datetime":
		return "TEXT"
	case "identifier":
		return "TEXT"
	case "structured":
		return "TEXT"
	default:
		return "TEXT"
	}
}

// SQLite serializes writers; default transaction behavior is sufficient.
func (d *SQLiteDialect) TxOptions() *sql.TxOptions { return nil }

func (d *SQLiteDialect) SystemTablesSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS _tables (
    name        TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL UNIQUE,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
)`,
		`CREATE TABLE IF NOT EXISTS _relationships (
    name         TEXT PRIMARY KEY,
    source_table TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    target_table TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    definition   TEXT NOT NULL,
    created_at   TEXT DEFAULT (datetime('now')),
    updated_at   TEXT DEFAULT (datetime('now'))
)`,
		`CREATE TABLE IF NOT EXISTS _rules (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    severity    TEXT NOT NULL DEFAULT 'error',
    timing      TEXT NOT NULL DEFAULT 'before_save',
    definition  TEXT NOT NULL,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
)`,
		`CREATE TABLE IF NOT EXISTS _permissions (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL REFERENCES _tables(name) ON DELETE CASCADE,
    action      TEXT NOT NULL,
    roles       TEXT NOT NULL DEFAULT '[]',
    created_at  TEXT DEFAULT (datetime('now'))
)`,
		`CREATE TABLE IF NOT EXISTS _change_log (
    id              TEXT PRIMARY KEY,
    table_name      TEXT NOT NULL,
    record_id       TEXT NOT NULL,
    operation       TEXT NOT NULL,
    before_data     TEXT,
    after_data      TEXT,
    changed_columns TEXT,
    principal       TEXT,
    created_at      TEXT DEFAULT (datetime('now'))
)`,
		`CREATE TABLE IF NOT EXISTS _rule_runs (
    id            TEXT PRIMARY KEY,
    table_name    TEXT NOT NULL,
    rule_id       TEXT NOT NULL,
    timing        TEXT NOT NULL,
    passed        INTEGER NOT NULL,
    severity      TEXT NOT NULL,
    message       TEXT,
    offending_ids TEXT,
    created_at    TEXT DEFAULT (datetime('now'))
)`,
	}
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		tableName,
	).Scan(&count)
	return count > 0, err
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type FROM pragma_table_info(?)`, tableName)
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

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrUniqueViolation
	}
	if strings.Contains(msg, "database is locked") {
		return ErrSerialization
	}
	return err
}
