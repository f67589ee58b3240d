package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdm-backend/internal/metadata"
)

func floatPtr(f float64) *float64 { return &f }

func departmentsSnapshot(t *testing.T) *metadata.Snapshot {
	t.Helper()
	reg := metadata.NewRegistry()
	reg.Load([]*metadata.TableDefinition{{
		Name:        "departments",
		Table:       "departments",
		PrimaryKey:  metadata.PrimaryKey{Column: "id", Type: metadata.TypeIdentifier, Generated: true},
		AllowCreate: true,
		AllowUpdate: true,
		AllowDelete: true,
		Active:      true,
		Columns: []metadata.ColumnDefinition{
			{Name: "id", Type: metadata.TypeIdentifier},
			{Name: "code", Type: metadata.TypeText, Required: true, Unique: true,
				Pattern: "^[A-Z]{3}[0-9]{3}$", Filterable: true, Sortable: true},
			{Name: "name", Type: metadata.TypeText, Required: true, MinLength: 2, MaxLength: 80,
				Searchable: true, Sortable: true, Filterable: true},
			{Name: "head_count", Type: metadata.TypeInteger, MinValue: floatPtr(0), MaxValue: floatPtr(10000), Filterable: true},
			{Name: "budget", Type: metadata.TypeDecimal, MinValue: floatPtr(0)},
			{Name: "region", Type: metadata.TypeText, Enum: []string{"emea", "amer", "apac"}},
			{Name: "active", Type: metadata.TypeBoolean, Default: true},
			{Name: "internal_notes", Type: metadata.TypeText, Hidden: true},
			{Name: "created_at", Type: metadata.TypeDatetime, Auto: "create"},
			{Name: "updated_at", Type: metadata.TypeDatetime, Auto: "update"},
		},
	}}, nil, nil, nil)

	snap, err := reg.Snapshot("departments")
	require.NoError(t, err)
	return snap
}

func TestValidatePayloadAccepts(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code":       "FIN001",
		"name":       "Finance",
		"head_count": 12,
		"budget":     150000.5,
		"region":     "emea",
	}, false)
	assert.Empty(t, details)
}

func TestValidatePayloadPattern(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code": "finance",
		"name": "Finance",
	}, false)
	require.Len(t, details, 1)
	assert.Equal(t, "code", details[0].Field)
}

func TestValidatePayloadRequired(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{"code": "FIN001"}, false)
	require.Len(t, details, 1)
	assert.Equal(t, "name", details[0].Field)
}

func TestValidatePayloadUpdateSkipsAbsentRequired(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{"head_count": 5}, true)
	assert.Empty(t, details)
}

func TestValidatePayloadCollectsAllViolations(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code":       "bad",
		"name":       "x",
		"head_count": -3,
		"region":     "mars",
	}, false)
	fields := make(map[string]bool)
	for _, d := range details {
		fields[d.Field] = true
	}
	assert.True(t, fields["code"])
	assert.True(t, fields["name"])
	assert.True(t, fields["head_count"])
	assert.True(t, fields["region"])
}

func TestValidatePayloadUnknownColumn(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code":    "FIN001",
		"name":    "Finance",
		"no_such": 1,
	}, false)
	require.Len(t, details, 1)
	assert.Equal(t, "no_such", details[0].Field)
}

func TestValidatePayloadReadOnlyColumn(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code":       "FIN001",
		"name":       "Finance",
		"created_at": "2026-01-01T00:00:00Z",
	}, false)
	require.Len(t, details, 1)
	assert.Equal(t, "created_at", details[0].Field)
}

func TestValidatePayloadIntegerRejectsFraction(t *testing.T) {
	snap := departmentsSnapshot(t)
	details := ValidatePayload(snap, map[string]any{
		"code":       "FIN001",
		"name":       "Finance",
		"head_count": 2.5,
	}, false)
	require.Len(t, details, 1)
	assert.Equal(t, "head_count", details[0].Field)
}

func TestDeriveSchemaHidesHiddenColumns(t *testing.T) {
	snap := departmentsSnapshot(t)
	schema := DeriveSchema(snap)

	assert.Equal(t, "departments", schema.Name)
	assert.Equal(t, "id", schema.PrimaryKey)
	for _, f := range schema.Fields {
		assert.NotEqual(t, "internal_notes", f.Name)
	}
}

func TestDeriveSchemaMarksAutoColumnsReadOnly(t *testing.T) {
	snap := departmentsSnapshot(t)
	schema := DeriveSchema(snap)
	for _, f := range schema.Fields {
		if f.Name == "created_at" || f.Name == "updated_at" {
			assert.True(t, f.ReadOnly, f.Name)
		}
	}
}

func TestDeriveSchemaIsDeterministic(t *testing.T) {
	snap := departmentsSnapshot(t)
	a := DeriveSchema(snap)
	b := DeriveSchema(snap)
	assert.Equal(t, a, b)
}
