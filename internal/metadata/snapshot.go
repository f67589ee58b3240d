package metadata

// Snapshot is an immutable, versioned view of one table's metadata,
// loaded once per request. Everything a request needs (column
// definitions, relationships, rules, permission policies and the
// identifier allow-list) comes from the same snapshot, so a concurrent
// metadata mutation can never leak half-updated definitions into an
// in-flight operation.
type Snapshot struct {
	Version       int64
	Table         *TableDefinition
	Relationships []*TableRelationship
	Rules         []*ConsistencyRule
	Permissions   []*Permission

	allow *AllowList
}

func newSnapshot(version int64, t *TableDefinition, rels []*TableRelationship, rules []*ConsistencyRule, perms []*Permission) *Snapshot {
	return &Snapshot{
		Version:       version,
		Table:         t,
		Relationships: rels,
		Rules:         rules,
		Permissions:   perms,
		allow:         newAllowList(t),
	}
}

// AllowList returns the identifier allow-list derived from this snapshot.
func (s *Snapshot) AllowList() *AllowList {
	return s.allow
}

// Column returns the definition for a column name, or nil.
func (s *Snapshot) Column(name string) *ColumnDefinition {
	return s.Table.GetColumn(name)
}

// RulesFor returns the active rules matching the given timing.
func (s *Snapshot) RulesFor(timing Timing) []*ConsistencyRule {
	var out []*ConsistencyRule
	for _, r := range s.Rules {
		if r.Active && r.Timing == timing {
			out = append(out, r)
		}
	}
	return out
}

// PermissionsFor returns the policies for an action on this table.
func (s *Snapshot) PermissionsFor(action string) []*Permission {
	var out []*Permission
	for _, p := range s.Permissions {
		if p.Action == action {
			out = append(out, p)
		}
	}
	return out
}

// AllowList is the per-request whitelist of identifiers that may appear
// in a query plan. Column and table names not present here are never
// legal, regardless of what the caller supplied.
type AllowList struct {
	table   string
	columns map[string]struct{}
}

func newAllowList(t *TableDefinition) *AllowList {
	cols := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		cols[c.Name] = struct{}{}
	}
	return &AllowList{table: t.PhysicalName(), columns: cols}
}

// Table returns the only legal table reference for this request.
func (a *AllowList) Table() string {
	return a.table
}

// HasColumn reports whether the column name may be referenced.
func (a *AllowList) HasColumn(name string) bool {
	_, ok := a.columns[name]
	return ok
}
