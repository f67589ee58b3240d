package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deptDef(headCountMax float64) *TableDefinition {
	return &TableDefinition{
		Name:       "departments",
		Table:      "departments",
		PrimaryKey: PrimaryKey{Column: "id", Type: TypeIdentifier, Generated: true},
		Active:     true,
		Columns: []ColumnDefinition{
			{Name: "id", Type: TypeIdentifier},
			{Name: "code", Type: TypeText, Required: true},
			{Name: "head_count", Type: TypeInteger, MaxValue: &headCountMax},
		},
	}
}

func TestSnapshotUnknownTable(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Snapshot("ghosts")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestSnapshotInactiveTable(t *testing.T) {
	reg := NewRegistry()
	def := deptDef(100)
	def.Active = false
	reg.Load([]*TableDefinition{def}, nil, nil, nil)

	_, err := reg.Snapshot("departments")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestVersionStableAcrossIdenticalReloads(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*TableDefinition{deptDef(100)}, nil, nil, nil)
	v1 := reg.TableVersion("departments")

	reg.Load([]*TableDefinition{deptDef(100)}, nil, nil, nil)
	assert.Equal(t, v1, reg.TableVersion("departments"))
}

func TestVersionBumpsOnDefinitionChange(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*TableDefinition{deptDef(100)}, nil, nil, nil)
	v1 := reg.TableVersion("departments")

	reg.Load([]*TableDefinition{deptDef(500)}, nil, nil, nil)
	assert.Greater(t, reg.TableVersion("departments"), v1)
}

func TestSnapshotKeepsVersionAfterReload(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*TableDefinition{deptDef(100)}, nil, nil, nil)

	snap, err := reg.Snapshot("departments")
	require.NoError(t, err)

	reg.Load([]*TableDefinition{deptDef(500)}, nil, nil, nil)

	// the held snapshot still reports the version it was taken at, so a
	// writer can detect the change before commit
	assert.NotEqual(t, snap.Version, reg.TableVersion("departments"))
}

func TestAllowListFromSnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*TableDefinition{deptDef(100)}, nil, nil, nil)

	snap, err := reg.Snapshot("departments")
	require.NoError(t, err)

	allow := snap.AllowList()
	assert.Equal(t, "departments", allow.Table())
	assert.True(t, allow.HasColumn("code"))
	assert.False(t, allow.HasColumn("code; DROP TABLE departments"))
	assert.False(t, allow.HasColumn("password"))
}

func TestRelationshipsAttachedToBothSides(t *testing.T) {
	reg := NewRegistry()
	emp := &TableDefinition{
		Name:       "employees",
		Table:      "employees",
		PrimaryKey: PrimaryKey{Column: "id", Type: TypeIdentifier, Generated: true},
		Active:     true,
		Columns: []ColumnDefinition{
			{Name: "id", Type: TypeIdentifier},
			{Name: "department_id", Type: TypeIdentifier},
		},
	}
	rel := &TableRelationship{
		Name:         "employee_department",
		Type:         "one_to_many",
		SourceTable:  "employees",
		SourceColumn: "department_id",
		TargetTable:  "departments",
		TargetColumn: "id",
		OnDelete:     "restrict",
	}
	reg.Load([]*TableDefinition{deptDef(100), emp}, []*TableRelationship{rel}, nil, nil)

	deptSnap, err := reg.Snapshot("departments")
	require.NoError(t, err)
	empSnap, err := reg.Snapshot("employees")
	require.NoError(t, err)

	assert.Len(t, deptSnap.Relationships, 1)
	assert.Len(t, empSnap.Relationships, 1)
}

func TestRulesForFiltersTimingAndActive(t *testing.T) {
	reg := NewRegistry()
	rules := []*ConsistencyRule{
		{ID: "1", Table: "departments", Timing: TimingBeforeSave, Active: true},
		{ID: "2", Table: "departments", Timing: TimingBeforeSave, Active: false},
		{ID: "3", Table: "departments", Timing: TimingScheduled, Active: true},
	}
	reg.Load([]*TableDefinition{deptDef(100)}, nil, rules, nil)

	snap, err := reg.Snapshot("departments")
	require.NoError(t, err)

	before := snap.RulesFor(TimingBeforeSave)
	require.Len(t, before, 1)
	assert.Equal(t, "1", before[0].ID)
}
