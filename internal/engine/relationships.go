package engine

import (
	"context"
	"fmt"

	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// applyDeleteBehavior enforces relationship on_delete semantics for a
// record about to be removed. The record's table is the target of the
// relationships considered here; referencing rows live in the source
// table. restrict refuses the delete, cascade removes the referencing
// rows, set_null detaches them. Many-to-many edges always just drop
// their join rows.
func (s *Service) applyDeleteBehavior(ctx context.Context, tx store.Querier, snap *metadata.Snapshot, record map[string]any) error {
	for _, rel := range snap.Relationships {
		if rel.TargetTable != snap.Table.Name {
			continue
		}
		if rel.IsManyToMany() {
			if err := s.deleteJoinRows(ctx, tx, rel, record, snap); err != nil {
				return err
			}
			continue
		}

		key, ok := record[rel.TargetColumn]
		if !ok || key == nil {
			continue
		}

		source, err := s.registry.Snapshot(rel.SourceTable)
		if err != nil {
			// dangling relationship metadata; nothing can reference us
			continue
		}
		if !source.AllowList().HasColumn(rel.SourceColumn) {
			return InvalidIdentifierError(rel.SourceColumn)
		}

		switch rel.OnDelete {
		case "cascade":
			plan := &QueryPlan{
				op:    opDelete,
				table: source.AllowList().Table(),
				preds: []predicate{{column: rel.SourceColumn, operator: "eq", value: key}},
			}
			if _, err := s.repo.Exec(ctx, tx, plan); err != nil {
				return fmt.Errorf("cascade delete via %s: %w", rel.Name, err)
			}

		case "set_null":
			plan := &QueryPlan{
				op:      opUpdate,
				table:   source.AllowList().Table(),
				columns: []string{rel.SourceColumn},
				values:  []any{nil},
				preds:   []predicate{{column: rel.SourceColumn, operator: "eq", value: key}},
			}
			if _, err := s.repo.Exec(ctx, tx, plan); err != nil {
				return fmt.Errorf("detach via %s: %w", rel.Name, err)
			}

		default: // restrict
			countPlan := &QueryPlan{
				op:    opCount,
				table: source.AllowList().Table(),
				preds: []predicate{{column: rel.SourceColumn, operator: "eq", value: key}},
			}
			n, err := s.repo.Count(ctx, tx, countPlan)
			if err != nil {
				return err
			}
			if n > 0 {
				return ConflictError(fmt.Sprintf(
					"Cannot delete: %d %s record(s) still reference this %s",
					n, rel.SourceTable, snap.Table.Name))
			}
		}
	}
	return nil
}

// deleteJoinRows removes the join table rows tied to the record being
// deleted, on whichever side of the edge it sits. Join table names come
// from admin-validated metadata, never from the caller.
func (s *Service) deleteJoinRows(ctx context.Context, tx store.Querier, rel *metadata.TableRelationship, record map[string]any, snap *metadata.Snapshot) error {
	if rel.JoinTable == "" {
		return nil
	}

	joinColumn := rel.TargetJoinColumn
	keyColumn := rel.TargetColumn
	if rel.SourceTable == snap.Table.Name {
		joinColumn = rel.SourceJoinColumn
		keyColumn = rel.SourceColumn
	}
	key, ok := record[keyColumn]
	if !ok || key == nil {
		return nil
	}

	d := s.repo.Store().Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		d.QuoteIdent(rel.JoinTable), d.QuoteIdent(joinColumn), pb.Add(key))
	if _, err := tx.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("delete join rows in %s: %w", rel.JoinTable, err)
	}
	return nil
}
