package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"mdm-backend/internal/metadata"
)

// FieldSchema is the exported, client-facing description of one column.
// Hidden columns are omitted entirely from the export.
type FieldSchema struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	Nullable   bool     `json:"nullable"`
	Unique     bool     `json:"unique,omitempty"`
	ReadOnly   bool     `json:"read_only,omitempty"`
	Sortable   bool     `json:"sortable,omitempty"`
	Filterable bool     `json:"filterable,omitempty"`
	Searchable bool     `json:"searchable,omitempty"`
	MinLength  int      `json:"min_length,omitempty"`
	MaxLength  int      `json:"max_length,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty"`
	MaxValue   *float64 `json:"max_value,omitempty"`
	Enum       []string `json:"enum,omitempty"`
	Default    any      `json:"default,omitempty"`
}

// TableSchema is the derived schema for one table, plus its relationships
// so clients can render lookups.
type TableSchema struct {
	Name          string           `json:"name"`
	DisplayName   string           `json:"display_name,omitempty"`
	PrimaryKey    string           `json:"primary_key"`
	AllowCreate   bool             `json:"allow_create"`
	AllowUpdate   bool             `json:"allow_update"`
	AllowDelete   bool             `json:"allow_delete"`
	Fields        []FieldSchema    `json:"fields"`
	Relationships []RelationSchema `json:"relationships,omitempty"`
}

type RelationSchema struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	SourceTable  string `json:"source_table"`
	SourceColumn string `json:"source_column,omitempty"`
	TargetTable  string `json:"target_table"`
	TargetColumn string `json:"target_column,omitempty"`
}

// DeriveSchema is a pure function of the snapshot: the same snapshot
// always yields the same schema.
func DeriveSchema(snap *metadata.Snapshot) *TableSchema {
	t := snap.Table
	out := &TableSchema{
		Name:        t.Name,
		DisplayName: t.DisplayName,
		PrimaryKey:  t.PrimaryKey.Column,
		AllowCreate: t.AllowCreate,
		AllowUpdate: t.AllowUpdate,
		AllowDelete: t.AllowDelete,
	}
	for _, c := range t.Columns {
		if c.Hidden {
			continue
		}
		out.Fields = append(out.Fields, FieldSchema{
			Name:       c.Name,
			Type:       c.Type,
			Required:   c.Required,
			Nullable:   c.Nullable,
			Unique:     c.Unique,
			ReadOnly:   c.ReadOnly || c.IsAuto(),
			Sortable:   c.Sortable,
			Filterable: c.Filterable,
			Searchable: c.Searchable,
			MinLength:  c.MinLength,
			MaxLength:  c.MaxLength,
			Pattern:    c.Pattern,
			MinValue:   c.MinValue,
			MaxValue:   c.MaxValue,
			Enum:       c.Enum,
			Default:    c.Default,
		})
	}
	for _, rel := range snap.Relationships {
		out.Relationships = append(out.Relationships, RelationSchema{
			Name:         rel.Name,
			Type:         rel.Type,
			SourceTable:  rel.SourceTable,
			SourceColumn: rel.SourceColumn,
			TargetTable:  rel.TargetTable,
			TargetColumn: rel.TargetColumn,
		})
	}
	return out
}

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}

// ValidatePayload checks a payload against the snapshot's column
// constraints. isUpdate relaxes the required check for absent columns:
// an update only validates what it touches. All violations are
// collected, not just the first.
func ValidatePayload(snap *metadata.Snapshot, payload map[string]any, isUpdate bool) []ErrorDetail {
	var details []ErrorDetail
	t := snap.Table

	writable := t.WritableColumns()
	if isUpdate {
		writable = t.UpdatableColumns()
	}
	allowed := make(map[string]bool, len(writable))
	for _, c := range writable {
		allowed[c.Name] = true
	}

	for name := range payload {
		if !t.HasColumn(name) {
			details = append(details, ErrorDetail{
				Field:   name,
				Message: fmt.Sprintf("unknown column %q", name),
			})
			continue
		}
		if !allowed[name] {
			details = append(details, ErrorDetail{
				Field:   name,
				Message: fmt.Sprintf("column %q is read-only", name),
			})
		}
	}

	for _, c := range writable {
		v, present := payload[c.Name]
		if !present {
			if c.Required && !isUpdate && c.Default == nil {
				details = append(details, ErrorDetail{
					Field:   c.Name,
					Message: fmt.Sprintf("%s is required", c.Name),
				})
			}
			continue
		}
		if v == nil {
			if c.Required && !c.Nullable {
				details = append(details, ErrorDetail{
					Field:   c.Name,
					Message: fmt.Sprintf("%s must not be null", c.Name),
				})
			}
			continue
		}
		details = append(details, validateValue(&c, v)...)
	}
	return details
}

func validateValue(c *metadata.ColumnDefinition, v any) []ErrorDetail {
	var details []ErrorDetail

	fail := func(format string, args ...any) {
		details = append(details, ErrorDetail{Field: c.Name, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Type {
	case metadata.TypeText, metadata.TypeIdentifier:
		s, ok := v.(string)
		if !ok {
			fail("%s must be a string", c.Name)
			return details
		}
		if c.MinLength > 0 && len(s) < c.MinLength {
			fail("%s must be at least %d characters", c.Name, c.MinLength)
		}
		if c.MaxLength > 0 && len(s) > c.MaxLength {
			fail("%s must be at most %d characters", c.Name, c.MaxLength)
		}
		if c.Pattern != "" {
			re, err := compilePattern(c.Pattern)
			if err != nil {
				fail("%s has an invalid pattern constraint", c.Name)
			} else if !re.MatchString(s) {
				fail("%s does not match required format", c.Name)
			}
		}
		if len(c.Enum) > 0 && !containsString(c.Enum, s) {
			fail("%s must be one of %v", c.Name, c.Enum)
		}

	case metadata.TypeInteger:
		n, ok := toInt64(v)
		if !ok {
			fail("%s must be an integer", c.Name)
			return details
		}
		f := float64(n)
		if c.MinValue != nil && f < *c.MinValue {
			fail("%s must be >= %v", c.Name, *c.MinValue)
		}
		if c.MaxValue != nil && f > *c.MaxValue {
			fail("%s must be <= %v", c.Name, *c.MaxValue)
		}

	case metadata.TypeDecimal:
		f, ok := toFloat64(v)
		if !ok {
			fail("%s must be a number", c.Name)
			return details
		}
		if c.MinValue != nil && f < *c.MinValue {
			fail("%s must be >= %v", c.Name, *c.MinValue)
		}
		if c.MaxValue != nil && f > *c.MaxValue {
			fail("%s must be <= %v", c.Name, *c.MaxValue)
		}

	case metadata.TypeBoolean:
		if _, ok := v.(bool); !ok {
			fail("%s must be a boolean", c.Name)
		}

	case metadata.TypeDate:
		if !isValidDate(v, "2006-01-02") {
			fail("%s must be a date in YYYY-MM-DD format", c.Name)
		}

	case metadata.TypeDatetime:
		if !isValidDate(v, time.RFC3339) {
			fail("%s must be an RFC 3339 timestamp", c.Name)
		}

	case metadata.TypeStructured:
		switch v.(type) {
		case map[string]any, []any:
		default:
			fail("%s must be an object or array", c.Name)
		}
	}
	return details
}

func isValidDate(v any, layout string) bool {
	switch val := v.(type) {
	case time.Time:
		return true
	case string:
		_, err := time.Parse(layout, val)
		return err == nil
	default:
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// toInt64 accepts the integer shapes JSON decoding and database drivers
// produce. A float is accepted only when it has no fractional part.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
