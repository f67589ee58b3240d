package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL/TiDB via go-sql-driver.
type MySQLDialect struct{}

func (d *MySQLDialect) Name() string { return "mysql" }
func (d *MySQLDialect) DriverName() string { return "mysql" }

func (d *MySQLDialect) NewParamBuilder() ParamBuilder { return &qmarkParamBuilder{} }

func (d *MySQLDialect) QuoteIdent(name string) string { return "`" + name + "`" }
func (d *MySQLDialect) NowExpr() string { return "NOW()" }

func (d *MySQLDialect) BoolLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
func (d *MySQLDialect) NeedsBoolFix() bool { return true }

func (d *MySQLDialect) ColumnType(semanticType string) string {
	switch semanticType {
	case "text":
		return "TEXT"
	case "integer":
		return "BIGINT"
	case "decimal":
		return "DECIMAL(18,6)"
	case "boolean":
		return "TINYINT(1)"
	case "date":
		return "DATE"
	case "datetime":
		return "DATETIME"
	case "identifier":
		return "VARCHAR(64)"
	case "structured":
		return "JSON"
	default:
		return "TEXT"
	}
}

// MySQL defaults to repeatable read already.
func (d *MySQLDialect) TxOptions() *sql.TxOptions { return nil }

func (d *MySQLDialect) SystemTablesSQL() []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS _tables (\n" +
			"    name        VARCHAR(64) PRIMARY KEY,\n" +
			"    table_name  VARCHAR(64) NOT NULL UNIQUE,\n" +
			"    definition  JSON NOT NULL,\n" +
			"    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,\n" +
			"    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP\n" +
			")",
		"CREATE TABLE IF NOT EXISTS _relationships (\n" +
			"    name         VARCHAR(64) PRIMARY KEY,\n" +
			"    source_table VARCHAR(64) NOT NULL,\n" +
			"    target_table VARCHAR(64) NOT NULL,\n" +
			"    definition   JSON NOT NULL,\n" +
			"    created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,\n" +
			"    updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,\n" +
			"    FOREIGN KEY (source_table) REFERENCES _tables(name) ON DELETE CASCADE,\n" +
			"    FOREIGN KEY (target_table) REFERENCES _tables(name) ON DELETE CASCADE\n" +
			")",
		"CREATE TABLE IF NOT EXISTS _rules (\n" +
			"    id          VARCHAR(64) PRIMARY KEY,\n" +
			"    table_name  VARCHAR(64) NOT NULL,\n" +
			"    type        VARCHAR(32) NOT NULL,\n" +
			"    severity    VARCHAR(16) NOT NULL DEFAULT 'error',\n" +
			"    timing      VARCHAR(32) NOT NULL DEFAULT 'before_save',\n" +
			"    definition  JSON NOT NULL,\n" +
			"    active      TINYINT(1) NOT NULL DEFAULT 1,\n" +
			"    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,\n" +
			"    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,\n" +
			"    FOREIGN KEY (table_name) REFERENCES _tables(name) ON DELETE CASCADE\n" +
			")",
		"CREATE TABLE IF NOT EXISTS _permissions (\n" +
			"    id          VARCHAR(64) PRIMARY KEY,\n" +
			"    table_name  VARCHAR(64) NOT NULL,\n" +
			"    action      VARCHAR(16) NOT NULL,\n" +
			"    roles       JSON NOT NULL,\n" +
			"    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,\n" +
			"    FOREIGN KEY (table_name) REFERENCES _tables(name) ON DELETE CASCADE\n" +
			")",
		"CREATE TABLE IF NOT EXISTS _change_log (\n" +
			"    id              VARCHAR(64) PRIMARY KEY,\n" +
			"    table_name      VARCHAR(64) NOT NULL,\n" +
			"    record_id       VARCHAR(64) NOT NULL,\n" +
			"    operation       VARCHAR(16) NOT NULL,\n" +
			"    before_data     JSON,\n" +
			"    after_data      JSON,\n" +
			"    changed_columns JSON,\n" +
			"    principal       VARCHAR(64),\n" +
			"    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP\n" +
			")",
		"CREATE TABLE IF NOT EXISTS _rule_runs (\n" +
			"    id            VARCHAR(64) PRIMARY KEY,\n" +
			"    table_name    VARCHAR(64) NOT NULL,\n" +
			"    rule_id       VARCHAR(64) NOT NULL,\n" +
			"    timing        VARCHAR(32) NOT NULL,\n" +
			"    passed        TINYINT(1) NOT NULL,\n" +
			"    severity      VARCHAR(16) NOT NULL,\n" +
			"    message       TEXT,\n" +
			"    offending_ids JSON,\n" +
			"    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP\n" +
			")",
	}
}

func (d *MySQLDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ? AND table_schema = DATABASE()`,
		tableName,
	).Scan(&count)
	return count > 0, err
}

func (d *MySQLDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? AND table_schema = DATABASE()`,
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

func (d *MySQLDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return ErrUniqueViolation
		case 1213:
			return ErrSerialization
		}
	}
	return err
}
