package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"

	"mdm-backend/internal/store"
)

// ChangeLogEntry is one row of the change audit trail.
type ChangeLogEntry struct {
	ID             string         `json:"id"`
	Table          string         `json:"table"`
	RecordID       string         `json:"record_id"`
	Operation      string         `json:"operation"` // create, update, delete
	Before         map[string]any `json:"before,omitempty"`
	After          map[string]any `json:"after,omitempty"`
	ChangedColumns []string       `json:"changed_columns,omitempty"`
	Principal      string         `json:"principal,omitempty"`
	CreatedAt      any            `json:"created_at,omitempty"`
}

// AuditRecorder writes change log entries. Record runs on the mutation's
// own transaction, so an aborted write leaves no trace and a committed
// write always has its entry.
type AuditRecorder struct {
	store *store.Store
}

func NewAuditRecorder(s *store.Store) *AuditRecorder {
	return &AuditRecorder{store: s}
}

// Record inserts one change log entry via the given querier.
func (a *AuditRecorder) Record(ctx context.Context, q store.Querier, entry *ChangeLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if len(entry.ChangedColumns) == 0 && entry.Operation == "update" {
		entry.ChangedColumns = ChangedColumns(entry.Before, entry.After)
	}

	before, err := marshalNullable(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before image: %w", err)
	}
	after, err := marshalNullable(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after image: %w", err)
	}
	changed, err := json.Marshal(entry.ChangedColumns)
	if err != nil {
		return fmt.Errorf("marshal changed columns: %w", err)
	}

	d := a.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _change_log (id, table_name, record_id, operation, before_data, after_data, changed_columns, principal) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		pb.Add(entry.ID), pb.Add(entry.Table), pb.Add(entry.RecordID), pb.Add(entry.Operation),
		pb.Add(before), pb.Add(after), pb.Add(string(changed)), pb.Add(entry.Principal),
	)
	if _, err := q.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

// History returns the audit trail for one record, newest first.
func (a *AuditRecorder) History(ctx context.Context, table, recordID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	d := a.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"SELECT id, table_name, record_id, operation, before_data, after_data, changed_columns, principal, created_at FROM _change_log WHERE table_name = %s AND record_id = %s ORDER BY created_at DESC LIMIT %d",
		pb.Add(table), pb.Add(recordID), limit,
	)
	return store.QueryRows(ctx, a.store.DB, sqlStr, pb.Params()...)
}

func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// ChangedColumns returns the sorted column names whose values differ
// between the two images.
func ChangedColumns(before, after map[string]any) []string {
	seen := make(map[string]bool)
	var changed []string
	for k, av := range after {
		bv, ok := before[k]
		if !ok || !valuesEqual(bv, av) {
			changed = append(changed, k)
			seen[k] = true
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok && !seen[k] {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// valuesEqual compares loosely across the numeric types JSON decoding
// and drivers produce.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b) || fmt.Sprint(a) == fmt.Sprint(b)
}
