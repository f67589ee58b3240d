package engine

import (
	"fmt"
	"strings"

	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// Filter is one predicate from the caller. Column names are checked
// against the snapshot allow-list at plan time; values are always bound
// as parameters and never concatenated into SQL.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"` // eq, neq, gt, gte, lt, lte, like, in, between, is_null, not_null
	Value    any    `json:"value,omitempty"`
}

// Sort is one ordering term from the caller.
type Sort struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// ListOptions shapes a list query.
type ListOptions struct {
	Filters []Filter
	Sorts   []Sort
	Search  string // matched against searchable text columns
	Limit   int
	Offset  int
}

type planOp int

const (
	opSelect planOp = iota
	opCount
	opInsert
	opUpdate
	opDelete
)

// QueryPlan is a validated, executable description of one statement.
// Every identifier in it has passed the allow-list; building a plan is
// the only way identifiers enter SQL text.
type QueryPlan struct {
	op      planOp
	table   string
	columns []string
	values  []any
	preds   []predicate
	sorts   []Sort
	limit   int
	offset  int
}

type predicate struct {
	column   string
	operator string
	value    any
	or       []predicate // OR group for search
}

// BuildSelectPlan validates list options against the snapshot and
// returns the plan, or an identifier/capability error.
func BuildSelectPlan(snap *metadata.Snapshot, opts ListOptions) (*QueryPlan, error) {
	plan := &QueryPlan{
		op:      opSelect,
		table:   snap.AllowList().Table(),
		columns: visibleColumns(snap),
		limit:   opts.Limit,
		offset:  opts.Offset,
	}
	if err := plan.addFilters(snap, opts.Filters); err != nil {
		return nil, err
	}
	if err := plan.addSearch(snap, opts.Search); err != nil {
		return nil, err
	}
	for _, s := range opts.Sorts {
		col := snap.Column(s.Column)
		if col == nil || !snap.AllowList().HasColumn(s.Column) {
			return nil, InvalidIdentifierError(s.Column)
		}
		if !col.Sortable {
			return nil, NotSortableError(s.Column)
		}
		plan.sorts = append(plan.sorts, s)
	}
	if len(plan.sorts) == 0 {
		plan.sorts = []Sort{{Column: snap.Table.PrimaryKey.Column}}
	}
	return plan, nil
}

// BuildCountPlan mirrors BuildSelectPlan without sorting or paging.
func BuildCountPlan(snap *metadata.Snapshot, opts ListOptions) (*QueryPlan, error) {
	plan := &QueryPlan{op: opCount, table: snap.AllowList().Table()}
	if err := plan.addFilters(snap, opts.Filters); err != nil {
		return nil, err
	}
	if err := plan.addSearch(snap, opts.Search); err != nil {
		return nil, err
	}
	return plan, nil
}

// BuildGetPlan selects a single record by primary key.
func BuildGetPlan(snap *metadata.Snapshot, id any) *QueryPlan {
	return &QueryPlan{
		op:      opSelect,
		table:   snap.AllowList().Table(),
		columns: visibleColumns(snap),
		preds:   []predicate{{column: snap.Table.PrimaryKey.Column, operator: "eq", value: id}},
		limit:   1,
	}
}

// BuildInsertPlan turns a validated payload into an insert. Column order
// follows the table definition for stable SQL text.
func BuildInsertPlan(snap *metadata.Snapshot, record map[string]any) (*QueryPlan, error) {
	plan := &QueryPlan{op: opInsert, table: snap.AllowList().Table()}
	for _, c := range snap.Table.Columns {
		v, ok := record[c.Name]
		if !ok {
			continue
		}
		if !snap.AllowList().HasColumn(c.Name) {
			return nil, InvalidIdentifierError(c.Name)
		}
		plan.columns = append(plan.columns, c.Name)
		plan.values = append(plan.values, v)
	}
	if len(plan.columns) == 0 {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "No columns to insert")
	}
	return plan, nil
}

// BuildUpdatePlan turns a validated payload into an update by primary key.
func BuildUpdatePlan(snap *metadata.Snapshot, id any, record map[string]any) (*QueryPlan, error) {
	plan := &QueryPlan{
		op:    opUpdate,
		table: snap.AllowList().Table(),
		preds: []predicate{{column: snap.Table.PrimaryKey.Column, operator: "eq", value: id}},
	}
	for _, c := range snap.Table.Columns {
		v, ok := record[c.Name]
		if !ok {
			continue
		}
		if !snap.AllowList().HasColumn(c.Name) {
			return nil, InvalidIdentifierError(c.Name)
		}
		plan.columns = append(plan.columns, c.Name)
		plan.values = append(plan.values, v)
	}
	if len(plan.columns) == 0 {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "No columns to update")
	}
	return plan, nil
}

// BuildDeletePlan deletes a single record by primary key.
func BuildDeletePlan(snap *metadata.Snapshot, id any) *QueryPlan {
	return &QueryPlan{
		op:    opDelete,
		table: snap.AllowList().Table(),
		preds: []predicate{{column: snap.Table.PrimaryKey.Column, operator: "eq", value: id}},
	}
}

func (p *QueryPlan) addFilters(snap *metadata.Snapshot, filters []Filter) error {
	for _, f := range filters {
		col := snap.Column(f.Column)
		if col == nil || !snap.AllowList().HasColumn(f.Column) {
			return InvalidIdentifierError(f.Column)
		}
		if !col.Filterable {
			return NotFilterableError(f.Column)
		}
		if !validOperator(f.Operator) {
			return NewAppError("INVALID_PAYLOAD", 400,
				fmt.Sprintf("Unsupported filter operator: %s", f.Operator))
		}
		p.preds = append(p.preds, predicate{column: f.Column, operator: f.Operator, value: f.Value})
	}
	return nil
}

func (p *QueryPlan) addSearch(snap *metadata.Snapshot, term string) error {
	if term == "" {
		return nil
	}
	var group []predicate
	for _, c := range snap.Table.Columns {
		if c.Searchable && (c.Type == metadata.TypeText || c.Type == metadata.TypeIdentifier) {
			group = append(group, predicate{column: c.Name, operator: "like", value: "%" + term + "%"})
		}
	}
	if len(group) == 0 {
		return NewAppError("INVALID_PAYLOAD", 400, "Table has no searchable columns")
	}
	p.preds = append(p.preds, predicate{or: group})
	return nil
}

func validOperator(op string) bool {
	switch op {
	case "eq", "neq", "gt", "gte", "lt", "lte", "like", "in", "between", "is_null", "not_null":
		return true
	}
	return false
}

func visibleColumns(snap *metadata.Snapshot) []string {
	var cols []string
	for _, c := range snap.Table.Columns {
		if !c.Hidden {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// SQL renders the plan for a dialect. Identifiers are quoted with the
// dialect quoter; all values go through the parameter builder.
func (p *QueryPlan) SQL(d store.Dialect) (string, []any, error) {
	pb := d.NewParamBuilder()
	var b strings.Builder

	switch p.op {
	case opSelect:
		b.WriteString("SELECT ")
		b.WriteString(quoteAll(d, p.columns))
		b.WriteString(" FROM ")
		b.WriteString(d.QuoteIdent(p.table))
		if err := p.writeWhere(&b, d, pb); err != nil {
			return "", nil, err
		}
		if len(p.sorts) > 0 {
			b.WriteString(" ORDER BY ")
			var terms []string
			for _, s := range p.sorts {
				dir := " ASC"
				if s.Desc {
					dir = " DESC"
				}
				terms = append(terms, d.QuoteIdent(s.Column)+dir)
			}
			b.WriteString(strings.Join(terms, ", "))
		}
		if p.limit > 0 {
			fmt.Fprintf(&b, " LIMIT %d", p.limit)
		}
		if p.offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", p.offset)
		}

	case opCount:
		b.WriteString("SELECT COUNT(*) AS count FROM ")
		b.WriteString(d.QuoteIdent(p.table))
		if err := p.writeWhere(&b, d, pb); err != nil {
			return "", nil, err
		}

	case opInsert:
		b.WriteString("INSERT INTO ")
		b.WriteString(d.QuoteIdent(p.table))
		b.WriteString(" (")
		b.WriteString(quoteAll(d, p.columns))
		b.WriteString(") VALUES (")
		var holders []string
		for _, v := range p.values {
			holders = append(holders, pb.Add(v))
		}
		b.WriteString(strings.Join(holders, ", "))
		b.WriteString(")")

	case opUpdate:
		b.WriteString("UPDATE ")
		b.WriteString(d.QuoteIdent(p.table))
		b.WriteString(" SET ")
		var sets []string
		for i, col := range p.columns {
			sets = append(sets, d.QuoteIdent(col)+" = "+pb.Add(p.values[i]))
		}
		b.WriteString(strings.Join(sets, ", "))
		if err := p.writeWhere(&b, d, pb); err != nil {
			return "", nil, err
		}

	case opDelete:
		b.WriteString("DELETE FROM ")
		b.WriteString(d.QuoteIdent(p.table))
		if err := p.writeWhere(&b, d, pb); err != nil {
			return "", nil, err
		}
	}

	return b.String(), pb.Params(), nil
}

func (p *QueryPlan) writeWhere(b *strings.Builder, d store.Dialect, pb store.ParamBuilder) error {
	if len(p.preds) == 0 {
		return nil
	}
	b.WriteString(" WHERE ")
	var clauses []string
	for _, pred := range p.preds {
		clause, err := renderPredicate(pred, d, pb)
		if err != nil {
			return err
		}
		clauses = append(clauses, clause)
	}
	b.WriteString(strings.Join(clauses, " AND "))
	return nil
}

func renderPredicate(pred predicate, d store.Dialect, pb store.ParamBuilder) (string, error) {
	if len(pred.or) > 0 {
		var parts []string
		for _, sub := range pred.or {
			clause, err := renderPredicate(sub, d, pb)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	}

	col := d.QuoteIdent(pred.column)
	switch pred.operator {
	case "eq":
		return col + " = " + pb.Add(pred.value), nil
	case "neq":
		return col + " <> " + pb.Add(pred.value), nil
	case "gt":
		return col + " > " + pb.Add(pred.value), nil
	case "gte":
		return col + " >= " + pb.Add(pred.value), nil
	case "lt":
		return col + " < " + pb.Add(pred.value), nil
	case "lte":
		return col + " <= " + pb.Add(pred.value), nil
	case "like":
		return col + " LIKE " + pb.Add(pred.value), nil
	case "is_null":
		return col + " IS NULL", nil
	case "not_null":
		return col + " IS NOT NULL", nil
	case "in":
		items, ok := pred.value.([]any)
		if !ok || len(items) == 0 {
			return "", NewAppError("INVALID_PAYLOAD", 400,
				fmt.Sprintf("Operator in requires a non-empty list for %s", pred.column))
		}
		var holders []string
		for _, item := range items {
			holders = append(holders, pb.Add(item))
		}
		return col + " IN (" + strings.Join(holders, ", ") + ")", nil
	case "between":
		bounds, ok := pred.value.([]any)
		if !ok || len(bounds) != 2 {
			return "", NewAppError("INVALID_PAYLOAD", 400,
				fmt.Sprintf("Operator between requires [low, high] for %s", pred.column))
		}
		return col + " BETWEEN " + pb.Add(bounds[0]) + " AND " + pb.Add(bounds[1]), nil
	default:
		return "", NewAppError("INVALID_PAYLOAD", 400,
			fmt.Sprintf("Unsupported filter operator: %s", pred.operator))
	}
}

func quoteAll(d store.Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
