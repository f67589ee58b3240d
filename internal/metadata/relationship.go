package metadata

// TableRelationship is a directed edge between two TableDefinitions,
// keyed by stable names. Self-referential edges (SourceTable ==
// TargetTable, e.g. a parent/child hierarchy) are legal; traversal is
// always by keyed lookup, never by in-memory object references.
type TableRelationship struct {
	Name         string `json:"name"`
	Type         string `json:"type"` // one_to_one, one_to_many, many_to_many
	SourceTable  string `json:"source_table"`
	SourceColumn string `json:"source_column"`
	TargetTable  string `json:"target_table"`
	TargetColumn string `json:"target_column"`

	// many_to_many only
	JoinTable        string `json:"join_table,omitempty"`
	SourceJoinColumn string `json:"source_join_column,omitempty"`
	TargetJoinColumn string `json:"target_join_column,omitempty"`

	OnDelete string `json:"on_delete,omitempty"` // cascade, set_null, restrict
}

func (r *TableRelationship) IsManyToMany() bool {
	return r.Type == "many_to_many"
}

func (r *TableRelationship) IsSelfReferential() bool {
	return r.SourceTable == r.TargetTable
}
