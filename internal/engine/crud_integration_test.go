package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdm-backend/internal/admin"
	"mdm-backend/internal/config"
	"mdm-backend/internal/engine"
	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

var adminUser = &metadata.UserContext{ID: "tester", Roles: []string{"admin"}}

type stack struct {
	store   *store.Store
	reg     *metadata.Registry
	admin   *admin.Service
	service *engine.Service
	sched   *engine.Scheduler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "engine_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Bootstrap(ctx))

	reg := metadata.NewRegistry()
	repo := engine.NewRepository(st)
	eval := engine.NewEvaluator(reg, repo)
	checker := engine.NewChecker(eval, 0)
	audit := engine.NewAuditRecorder(st)
	bus := engine.NewBus()
	service := engine.NewService(reg, repo, checker, eval, audit, bus, 25, 100)

	return &stack{
		store:   st,
		reg:     reg,
		admin:   admin.NewService(st, reg),
		service: service,
		sched:   engine.NewScheduler(reg, repo, service, checker, 50),
	}
}

func (s *stack) seedTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.admin.SaveTable(ctx, &metadata.TableDefinition{
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
			{Name: "name", Type: metadata.TypeText, Required: true, Searchable: true, Filterable: true, Sortable: true},
			{Name: "budget", Type: metadata.TypeDecimal, Filterable: true},
		},
	}))

	require.NoError(t, s.admin.SaveTable(ctx, &metadata.TableDefinition{
		Name:        "employees",
		Table:       "employees",
		PrimaryKey:  metadata.PrimaryKey{Column: "id", Type: metadata.TypeIdentifier, Generated: true},
		AllowCreate: true,
		AllowUpdate: true,
		AllowDelete: true,
		Active:      true,
		Columns: []metadata.ColumnDefinition{
			{Name: "id", Type: metadata.TypeIdentifier},
			{Name: "full_name", Type: metadata.TypeText, Required: true, Searchable: true},
			{Name: "department_id", Type: metadata.TypeIdentifier, Required: true, Filterable: true},
		},
	}))

	require.NoError(t, s.admin.SaveRelationship(ctx, &metadata.TableRelationship{
		Name:         "employee_department",
		Type:         "one_to_many",
		SourceTable:  "employees",
		SourceColumn: "department_id",
		TargetTable:  "departments",
		TargetColumn: "id",
		OnDelete:     "restrict",
	}))

	require.NoError(t, s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "employees",
		Name:     "department must exist",
		Type:     metadata.RuleCrossTable,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Message:  "department {department_id} does not exist",
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "department_id", Operator: "exists",
				RightTable: strPtr("departments"), RightColumn: strPtr("id")},
		},
	}))

	require.NoError(t, s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "departments",
		Name:     "code is unique",
		Type:     metadata.RuleUniqueness,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Message:  "a department with code {code} already exists",
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "code", Operator: "eq"},
		},
	}))

	require.NoError(t, s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "departments",
		Name:     "budget is not negative",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Message:  "budget {budget} must not be negative",
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "budget", Operator: "gte", Value: 0},
		},
	}))
}

func strPtr(s string) *string { return &s }

func (s *stack) changeLogCount(t *testing.T) int64 {
	t.Helper()
	row, err := store.QueryRow(context.Background(), s.store.DB,
		"SELECT COUNT(*) AS count FROM _change_log")
	require.NoError(t, err)
	n, _ := row["count"].(int64)
	return n
}

func appErrCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *engine.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestCreateReadRoundTrip(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	result, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance", "budget": 120000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.VerdictAllowed, result.Verdict)

	id, ok := result.Record["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	got, err := s.service.Get(ctx, adminUser, "departments", id)
	require.NoError(t, err)
	assert.Equal(t, "FIN001", got["code"])
	assert.Equal(t, "Finance", got["name"])

	history, err := s.service.History(ctx, adminUser, "departments", id, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "create", history[0]["operation"])
}

func TestBlockedCreateLeavesNoTrace(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	_, err := s.service.Create(ctx, adminUser, "employees", map[string]any{
		"full_name":     "Ada Lovelace",
		"department_id": "no-such-department",
	})
	assert.Equal(t, "RULE_VIOLATION", appErrCode(t, err))

	list, err := s.service.List(ctx, adminUser, "employees", engine.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
	assert.Zero(t, s.changeLogCount(t))
}

func TestCrossTableRulePassesWithValidReference(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	dept, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "ENG001", "name": "Engineering",
	})
	require.NoError(t, err)

	emp, err := s.service.Create(ctx, adminUser, "employees", map[string]any{
		"full_name":     "Grace Hopper",
		"department_id": dept.Record["id"],
	})
	require.NoError(t, err)
	assert.Equal(t, engine.VerdictAllowed, emp.Verdict)
}

func TestUniquenessRuleBlocksDuplicate(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	_, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	require.NoError(t, err)

	_, err = s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance Too",
	})
	assert.Equal(t, "RULE_VIOLATION", appErrCode(t, err))
}

func TestUniquenessRuleExcludesOwnRowOnUpdate(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	created, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	require.NoError(t, err)

	_, err = s.service.Update(ctx, adminUser, "departments",
		created.Record["id"].(string), map[string]any{"name": "Group Finance"})
	require.NoError(t, err)
}

func TestRangeRuleBlocksNegativeBudget(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	_, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance", "budget": -5.0,
	})
	assert.Equal(t, "RULE_VIOLATION", appErrCode(t, err))

	var appErr *engine.AppError
	require.ErrorAs(t, err, &appErr)
	require.NotEmpty(t, appErr.Results)
	assert.Equal(t, "budget -5 must not be negative", appErr.Results[0].Message)
}

func TestValidationFailureBeforeRules(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	_, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "finance", "name": "Finance",
	})
	assert.Equal(t, "VALIDATION_FAILED", appErrCode(t, err))

	var appErr *engine.AppError
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Details, 1)
	assert.Equal(t, "code", appErr.Details[0].Field)
}

func TestUpdateWritesAuditDiff(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	created, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	require.NoError(t, err)
	id := created.Record["id"].(string)

	_, err = s.service.Update(ctx, adminUser, "departments", id, map[string]any{"name": "Group Finance"})
	require.NoError(t, err)

	history, err := s.service.History(ctx, adminUser, "departments", id, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var update map[string]any
	for _, h := range history {
		if h["operation"] == "update" {
			update = h
		}
	}
	require.NotNil(t, update)
	assert.Contains(t, asString(update["changed_columns"]), "name")
	assert.Equal(t, "tester", update["principal"])
}

func TestDeleteRestrictBlocksWhenReferenced(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	dept, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "ENG001", "name": "Engineering",
	})
	require.NoError(t, err)
	deptID := dept.Record["id"].(string)

	_, err = s.service.Create(ctx, adminUser, "employees", map[string]any{
		"full_name": "Grace Hopper", "department_id": deptID,
	})
	require.NoError(t, err)

	err = s.service.Delete(ctx, adminUser, "departments", deptID)
	assert.Equal(t, "CONFLICT", appErrCode(t, err))

	_, err = s.service.Get(ctx, adminUser, "departments", deptID)
	assert.NoError(t, err)
}

func TestDeleteCascadeRemovesReferencingRows(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	require.NoError(t, s.admin.SaveRelationship(ctx, &metadata.TableRelationship{
		Name:         "employee_department",
		Type:         "one_to_many",
		SourceTable:  "employees",
		SourceColumn: "department_id",
		TargetTable:  "departments",
		TargetColumn: "id",
		OnDelete:     "cascade",
	}))

	dept, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "ENG001", "name": "Engineering",
	})
	require.NoError(t, err)
	deptID := dept.Record["id"].(string)

	_, err = s.service.Create(ctx, adminUser, "employees", map[string]any{
		"full_name": "Grace Hopper", "department_id": deptID,
	})
	require.NoError(t, err)

	require.NoError(t, s.service.Delete(ctx, adminUser, "departments", deptID))

	list, err := s.service.List(ctx, adminUser, "employees", engine.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestOnDemandCheckDoesNotMutate(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	report, err := s.service.Check(ctx, adminUser, "departments", "", map[string]any{
		"code": "FIN001", "name": "Finance", "budget": -10.0,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.VerdictBlocked, report.Verdict)

	list, err := s.service.List(ctx, adminUser, "departments", engine.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestOnDemandCheckRuleSubset(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	_, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	require.NoError(t, err)

	snap, err := s.reg.Snapshot("departments")
	require.NoError(t, err)
	var budgetRule string
	for _, r := range snap.RulesFor(metadata.TimingBeforeSave) {
		if r.Name == "budget is not negative" {
			budgetRule = r.ID
		}
	}
	require.NotEmpty(t, budgetRule)

	// the candidate violates both uniqueness and range; the subset runs
	// only the range rule
	report, err := s.service.Check(ctx, adminUser, "departments", "", map[string]any{
		"code": "FIN001", "name": "Finance Too", "budget": -10.0,
	}, []string{budgetRule})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, budgetRule, report.Results[0].RuleID)
	assert.Equal(t, engine.VerdictBlocked, report.Verdict)
}

func TestRuleReferencingUnknownTableRejected(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	err := s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "employees",
		Name:     "manager must exist",
		Type:     metadata.RuleCrossTable,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "department_id", Operator: "exists",
				RightTable: strPtr("managers"), RightColumn: strPtr("id")},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")

	err = s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "employees",
		Name:     "department head must exist",
		Type:     metadata.RuleCrossTable,
		Severity: metadata.SeverityError,
		Timing:   metadata.TimingBeforeSave,
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "department_id", Operator: "exists",
				RightTable: strPtr("departments"), RightColumn: strPtr("head_id")},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no column")

	// the rejected rules left no trace; writes still go through
	dept, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "ENG001", "name": "Engineering",
	})
	require.NoError(t, err)
	_, err = s.service.Create(ctx, adminUser, "employees", map[string]any{
		"full_name": "Grace Hopper", "department_id": dept.Record["id"],
	})
	require.NoError(t, err)
}

func TestScheduledSweepRecordsOffendingRows(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	created, err := s.service.Create(ctx, adminUser, "departments", map[string]any{
		"code": "FIN001", "name": "Finance", "budget": 200.0,
	})
	require.NoError(t, err)
	id := created.Record["id"].(string)

	require.NoError(t, s.admin.SaveRule(ctx, &metadata.ConsistencyRule{
		Table:    "departments",
		Name:     "budget cap",
		Type:     metadata.RuleRange,
		Severity: metadata.SeverityWarning,
		Timing:   metadata.TimingScheduled,
		Message:  "budget {budget} exceeds the cap",
		Active:   true,
		Conditions: []metadata.RuleCondition{
			{LeftColumn: "budget", Operator: "lte", Value: 100},
		},
	}))

	require.NoError(t, s.sched.Sweep(ctx))

	runs, err := store.QueryRows(ctx, s.store.DB,
		"SELECT rule_id, timing, offending_ids FROM _rule_runs")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "scheduled", asString(runs[0]["timing"]))
	assert.Contains(t, asString(runs[0]["offending_ids"]), id)
}

func TestListFilterAndSearch(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	for _, d := range []map[string]any{
		{"code": "FIN001", "name": "Finance", "budget": 100.0},
		{"code": "ENG001", "name": "Engineering", "budget": 500.0},
		{"code": "OPS001", "name": "Operations", "budget": 300.0},
	} {
		_, err := s.service.Create(ctx, adminUser, "departments", d)
		require.NoError(t, err)
	}

	filtered, err := s.service.List(ctx, adminUser, "departments", engine.ListOptions{
		Filters: []engine.Filter{{Column: "budget", Operator: "gte", Value: 300}},
		Sorts:   []engine.Sort{{Column: "code"}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, filtered.Total)
	assert.Equal(t, "ENG001", filtered.Rows[0]["code"])

	searched, err := s.service.List(ctx, adminUser, "departments", engine.ListOptions{Search: "eng"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, searched.Total)
}

func TestUnknownTableRejected(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)

	_, err := s.service.List(context.Background(), adminUser, "no_such_table", engine.ListOptions{})
	assert.Equal(t, "TABLE_NOT_FOUND", appErrCode(t, err))
}

func TestPermissionPolicyEnforced(t *testing.T) {
	s := newStack(t)
	s.seedTables(t)
	ctx := context.Background()

	require.NoError(t, s.admin.SavePermission(ctx, &metadata.Permission{
		Table: "departments", Action: "create", Roles: []string{"data_steward"},
	}))

	viewer := &metadata.UserContext{ID: "v", Roles: []string{"viewer"}}
	_, err := s.service.Create(ctx, viewer, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	assert.Equal(t, "PERMISSION_DENIED", appErrCode(t, err))

	steward := &metadata.UserContext{ID: "s", Roles: []string{"data_steward"}}
	_, err = s.service.Create(ctx, steward, "departments", map[string]any{
		"code": "FIN001", "name": "Finance",
	})
	assert.NoError(t, err)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
