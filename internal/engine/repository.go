package engine

import (
	"context"
	"errors"
	"fmt"

	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// Repository executes query plans. It never builds SQL itself; every
// statement comes out of a QueryPlan, so nothing the caller supplies can
// reach SQL text unvalidated.
type Repository struct {
	store *store.Store
}

func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Store() *store.Store {
	return r.store
}

// List runs a select plan and returns rows with booleans normalized for
// the dialect.
func (r *Repository) List(ctx context.Context, q store.Querier, snap *metadata.Snapshot, plan *QueryPlan) ([]map[string]any, error) {
	sqlStr, args, err := plan.SQL(r.store.Dialect)
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, r.store.Dialect.MapError(err)
	}
	r.fixBooleans(snap, rows)
	return rows, nil
}

// Get runs a single-row select plan, translating no-rows to NOT_FOUND.
func (r *Repository) Get(ctx context.Context, q store.Querier, snap *metadata.Snapshot, plan *QueryPlan, id any) (map[string]any, error) {
	rows, err := r.List(ctx, q, snap, plan)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NotFoundError(snap.Table.Name, fmt.Sprint(id))
	}
	return rows[0], nil
}

// Count runs a count plan.
func (r *Repository) Count(ctx context.Context, q store.Querier, plan *QueryPlan) (int64, error) {
	sqlStr, args, err := plan.SQL(r.store.Dialect)
	if err != nil {
		return 0, err
	}
	row, err := store.QueryRow(ctx, q, sqlStr, args...)
	if err != nil {
		return 0, r.store.Dialect.MapError(err)
	}
	n, _ := toInt64(row["count"])
	return n, nil
}

// Exec runs a mutation plan and returns the affected row count. Unique
// index violations surface as CONFLICT so racing writers that slip past
// the uniqueness rule still fail cleanly.
func (r *Repository) Exec(ctx context.Context, q store.Querier, plan *QueryPlan) (int64, error) {
	sqlStr, args, err := plan.SQL(r.store.Dialect)
	if err != nil {
		return 0, err
	}
	n, err := store.Exec(ctx, q, sqlStr, args...)
	if err != nil {
		mapped := r.store.Dialect.MapError(err)
		if errors.Is(mapped, store.ErrUniqueViolation) {
			return 0, ConflictError("A record with the same unique value already exists")
		}
		if errors.Is(mapped, store.ErrSerialization) {
			return 0, ConflictError("The record was modified concurrently; retry the operation")
		}
		return 0, mapped
	}
	return n, nil
}

func (r *Repository) fixBooleans(snap *metadata.Snapshot, rows []map[string]any) {
	if !r.store.Dialect.NeedsBoolFix() {
		return
	}
	var boolCols []string
	for _, c := range snap.Table.Columns {
		if c.Type == metadata.TypeBoolean {
			boolCols = append(boolCols, c.Name)
		}
	}
	store.NormalizeBooleans(rows, boolCols)
}
