package metadata

// Column semantic types. These are storage-independent; each store dialect
// maps them to its own DDL types.
const (
	TypeText       = "text"
	TypeInteger    = "integer"
	TypeDecimal    = "decimal"
	TypeBoolean    = "boolean"
	TypeDate       = "date"
	TypeDatetime   = "datetime"
	TypeIdentifier = "identifier"
	TypeStructured = "structured"
)

// TableDefinition describes one maintainable table. It is stored as a row
// in _tables and owns its columns, relationships and rules.
type TableDefinition struct {
	Name        string             `json:"name"`             // logical name, unique; also the API path segment
	Schema      string             `json:"schema,omitempty"` // owning namespace, informational
	DisplayName string             `json:"display_name,omitempty"`
	Table       string             `json:"table"` // physical table name
	PrimaryKey  PrimaryKey         `json:"primary_key"`
	AllowCreate bool               `json:"allow_create"`
	AllowUpdate bool               `json:"allow_update"`
	AllowDelete bool               `json:"allow_delete"`
	Active      bool               `json:"active"`
	Columns     []ColumnDefinition `json:"columns"`
}

type PrimaryKey struct {
	Column    string `json:"column"`
	Type      string `json:"type"` // identifier, integer, text
	Generated bool   `json:"generated"`
}

// ColumnDefinition describes one column of a TableDefinition, including
// validation constraints and UI-facing capability flags.
type ColumnDefinition struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
	Unique   bool   `json:"unique,omitempty"`

	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	MinValue  *float64 `json:"min_value,omitempty"`
	MaxValue  *float64 `json:"max_value,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Default   any      `json:"default,omitempty"`

	Hidden     bool `json:"hidden,omitempty"`
	ReadOnly   bool `json:"read_only,omitempty"`
	Searchable bool `json:"searchable,omitempty"`
	Sortable   bool `json:"sortable,omitempty"`
	Filterable bool `json:"filterable,omitempty"`

	Auto string `json:"auto,omitempty"` // "create" or "update" timestamp maintenance
}

// PhysicalName returns the backing table name, defaulting to the logical name.
func (t *TableDefinition) PhysicalName() string {
	if t.Table != "" {
		return t.Table
	}
	return t.Name
}

// GetColumn returns a pointer to the column with the given name, or nil.
func (t *TableDefinition) GetColumn(name string) *ColumnDefinition {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasColumn returns true if the table declares a column with the given name.
func (t *TableDefinition) HasColumn(name string) bool {
	return t.GetColumn(name) != nil
}

// ColumnNames returns all declared column names in declaration order.
func (t *TableDefinition) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// WritableColumns returns columns that callers may set on create.
// Excludes auto-generated primary keys and engine-managed timestamps.
func (t *TableDefinition) WritableColumns() []ColumnDefinition {
	var cols []ColumnDefinition
	for _, c := range t.Columns {
		if c.Name == t.PrimaryKey.Column && t.PrimaryKey.Generated {
			continue
		}
		if c.IsAuto() || c.ReadOnly {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// UpdatableColumns returns columns that callers may set on update.
func (t *TableDefinition) UpdatableColumns() []ColumnDefinition {
	var cols []ColumnDefinition
	for _, c := range t.Columns {
		if c.Name == t.PrimaryKey.Column {
			continue
		}
		if c.IsAuto() || c.ReadOnly {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// IsAuto returns true if the column is maintained by the engine.
func (c ColumnDefinition) IsAuto() bool {
	return c.Auto == "create" || c.Auto == "update"
}
