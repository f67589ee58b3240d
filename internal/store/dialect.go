package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres", "sqlite" or "mysql".
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// QuoteIdent quotes an already-validated identifier.
	QuoteIdent(name string) string

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// BoolLiteral returns the SQL literal for a boolean value.
	BoolLiteral(v bool) string

	// ColumnType maps a semantic column type to the database DDL type.
	ColumnType(semanticType string) string

	// SystemTablesSQL returns the DDL statements for the system tables,
	// one statement per element.
	SystemTablesSQL() []string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error)

	// TxOptions returns the transaction options for record mutations.
	TxOptions() *sql.TxOptions

	// MapError inspects a driver error and returns a well-known sentinel
	// error if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers.
	NeedsBoolFix() bool
}

// ParamBuilder accumulates query parameters and generates dialect-specific
// placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name.
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	case "mysql":
		return &MySQLDialect{}
	default:
		return &PostgresDialect{}
	}
}

// --- PostgreSQL ParamBuilder ---

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int { return p.n }

// --- positional ? ParamBuilder (SQLite, MySQL) ---

type qmarkParamBuilder struct {
	params []any
	n      int
}

func (p *qmarkParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return "?"
}

func (p *qmarkParamBuilder) Params() []any { return p.params }
func (p *qmarkParamBuilder) Count() int { return p.n }
