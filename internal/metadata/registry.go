package metadata

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrTableNotFound is returned when a table name is not registered or
// the definition is inactive.
var ErrTableNotFound = errors.New("table not found")

type tableEntry struct {
	def     *TableDefinition
	defJSON string // for change detection across reloads
	version int64
	rels    []*TableRelationship
	rules   []*ConsistencyRule
	perms   []*Permission
}

// Registry holds the currently loaded metadata. Reads hand out immutable
// snapshots; Load replaces everything atomically, bumping the version of
// each table whose definition actually changed.
type Registry struct {
	mu      sync.RWMutex
	gen     int64
	entries map[string]*tableEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*tableEntry)}
}

// Snapshot returns the consistent metadata view for a table, or
// ErrTableNotFound if the name is unregistered or inactive.
func (r *Registry) Snapshot(name string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.def.Active {
		return nil, ErrTableNotFound
	}
	return newSnapshot(e.version, e.def, e.rels, e.rules, e.perms), nil
}

// TableVersion returns the current version of a table definition, or 0
// if the table is not registered. Used to detect a stale snapshot before
// commit.
func (r *Registry) TableVersion(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.version
	}
	return 0
}

// TableNames returns the logical names of all active tables.
func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.def.Active {
			names = append(names, name)
		}
	}
	return names
}

// Load replaces all metadata in the registry. Called at startup and after
// every administrative mutation. Definitions passed in must not be
// mutated afterwards.
func (r *Registry) Load(tables []*TableDefinition, rels []*TableRelationship, rules []*ConsistencyRule, perms []*Permission) {
	relsByTable := make(map[string][]*TableRelationship)
	for _, rel := range rels {
		relsByTable[rel.SourceTable] = append(relsByTable[rel.SourceTable], rel)
		if !rel.IsSelfReferential() {
			relsByTable[rel.TargetTable] = append(relsByTable[rel.TargetTable], rel)
		}
	}
	rulesByTable := make(map[string][]*ConsistencyRule)
	for _, rule := range rules {
		rulesByTable[rule.Table] = append(rulesByTable[rule.Table], rule)
	}
	permsByTable := make(map[string][]*Permission)
	for _, p := range perms {
		permsByTable[p.Table] = append(permsByTable[p.Table], p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*tableEntry, len(tables))
	for _, t := range tables {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		e := &tableEntry{
			def:     t,
			defJSON: string(raw),
			rels:    relsByTable[t.Name],
			rules:   rulesByTable[t.Name],
			perms:   permsByTable[t.Name],
		}
		if prev, ok := r.entries[t.Name]; ok && prev.defJSON == e.defJSON {
			e.version = prev.version
		} else {
			r.gen++
			e.version = r.gen
		}
		next[t.Name] = e
	}
	r.entries = next
}
