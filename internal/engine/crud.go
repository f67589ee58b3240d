package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mdm-backend/internal/metadata"
)

// ListResult is a page of records plus the unpaged total.
type ListResult struct {
	Rows   []map[string]any `json:"rows"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// MutationResult is the outcome of a committed create or update.
type MutationResult struct {
	Record  map[string]any `json:"record"`
	Verdict Verdict        `json:"verdict"`
	Results []RuleResult   `json:"rule_results,omitempty"`
}

// Service orchestrates record operations. Every operation resolves one
// metadata snapshot up front and uses it for permissions, validation,
// planning and rule evaluation, so a concurrent metadata reload cannot
// change the rules mid-flight; a stale snapshot is instead detected
// before commit.
type Service struct {
	registry *metadata.Registry
	repo     *Repository
	eval     *Evaluator
	checker  *Checker
	audit    *AuditRecorder
	bus      *Bus

	defaultPageSize int
	maxPageSize     int
}

func NewService(registry *metadata.Registry, repo *Repository, checker *Checker, eval *Evaluator, audit *AuditRecorder, bus *Bus, defaultPageSize, maxPageSize int) *Service {
	if defaultPageSize <= 0 {
		defaultPageSize = 25
	}
	if maxPageSize <= 0 {
		maxPageSize = 500
	}
	return &Service{
		registry:        registry,
		repo:            repo,
		eval:            eval,
		checker:         checker,
		audit:           audit,
		bus:             bus,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

func (s *Service) snapshot(table string) (*metadata.Snapshot, error) {
	snap, err := s.registry.Snapshot(table)
	if err != nil {
		return nil, TableNotFoundError(table)
	}
	return snap, nil
}

// Schema returns the derived client-facing schema for a table.
func (s *Service) Schema(user *metadata.UserContext, table string) (*TableSchema, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "read"); err != nil {
		return nil, err
	}
	return DeriveSchema(snap), nil
}

// List returns a filtered, sorted page of records.
func (s *Service) List(ctx context.Context, user *metadata.UserContext, table string, opts ListOptions) (*ListResult, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "read"); err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = s.defaultPageSize
	}
	if opts.Limit > s.maxPageSize {
		opts.Limit = s.maxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	plan, err := BuildSelectPlan(snap, opts)
	if err != nil {
		return nil, err
	}
	countPlan, err := BuildCountPlan(snap, opts)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.List(ctx, s.repo.Store().DB, snap, plan)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.Count(ctx, s.repo.Store().DB, countPlan)
	if err != nil {
		return nil, err
	}
	return &ListResult{Rows: rows, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Get returns one record by primary key.
func (s *Service) Get(ctx context.Context, user *metadata.UserContext, table string, id string) (map[string]any, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "read"); err != nil {
		return nil, err
	}
	plan := BuildGetPlan(snap, id)
	return s.repo.Get(ctx, s.repo.Store().DB, snap, plan, id)
}

// Create validates, checks before-save rules and inserts a record. The
// rule check, the insert and the audit entry share one transaction; a
// blocking verdict leaves the store untouched.
func (s *Service) Create(ctx context.Context, user *metadata.UserContext, table string, payload map[string]any) (*MutationResult, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "create"); err != nil {
		return nil, err
	}
	if details := ValidatePayload(snap, payload, false); len(details) > 0 {
		return nil, ValidationError(details)
	}

	record := s.prepareCreate(snap, payload)
	id := record[snap.Table.PrimaryKey.Column]

	tx, err := s.repo.Store().BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	in := RuleInput{Snapshot: snap, Record: record, RecordID: id, IsUpdate: false}
	report := s.checker.Run(ctx, tx, metadata.TimingBeforeSave, in)
	if report.Blocked() {
		return nil, RuleViolationError(report.Failures())
	}

	plan, err := BuildInsertPlan(snap, s.prepareForStorage(snap, record))
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.Exec(ctx, tx, plan); err != nil {
		return nil, err
	}

	if err := s.ensureFreshMetadata(snap); err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, tx, snap, "create", fmt.Sprint(id), nil, record, user); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.afterSave(snap, "record.created", fmt.Sprint(id), record, user)
	return &MutationResult{Record: record, Verdict: report.Verdict, Results: report.Results}, nil
}

// Update validates the partial payload, merges it over the stored row,
// checks before-save rules against the effective record and writes.
func (s *Service) Update(ctx context.Context, user *metadata.UserContext, table string, id string, payload map[string]any) (*MutationResult, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "update"); err != nil {
		return nil, err
	}
	if details := ValidatePayload(snap, payload, true); len(details) > 0 {
		return nil, ValidationError(details)
	}

	tx, err := s.repo.Store().BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := s.repo.Get(ctx, tx, snap, BuildGetPlan(snap, id), id)
	if err != nil {
		return nil, err
	}

	changes := s.prepareUpdate(snap, payload)
	effective := make(map[string]any, len(before)+len(changes))
	for k, v := range before {
		effective[k] = v
	}
	for k, v := range changes {
		effective[k] = v
	}

	in := RuleInput{Snapshot: snap, Record: effective, RecordID: id, IsUpdate: true}
	report := s.checker.Run(ctx, tx, metadata.TimingBeforeSave, in)
	if report.Blocked() {
		return nil, RuleViolationError(report.Failures())
	}

	plan, err := BuildUpdatePlan(snap, id, s.prepareForStorage(snap, changes))
	if err != nil {
		return nil, err
	}
	n, err := s.repo.Exec(ctx, tx, plan)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, NotFoundError(table, id)
	}

	if err := s.ensureFreshMetadata(snap); err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, tx, snap, "update", id, before, effective, user); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.afterSave(snap, "record.updated", id, effective, user)
	return &MutationResult{Record: effective, Verdict: report.Verdict, Results: report.Results}, nil
}

// Delete removes a record after enforcing relationship delete behavior:
// restrict blocks when referencing rows exist, cascade removes them,
// set_null detaches them.
func (s *Service) Delete(ctx context.Context, user *metadata.UserContext, table string, id string) error {
	snap, err := s.snapshot(table)
	if err != nil {
		return err
	}
	if err := CheckPermission(snap, user, "delete"); err != nil {
		return err
	}

	tx, err := s.repo.Store().BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := s.repo.Get(ctx, tx, snap, BuildGetPlan(snap, id), id)
	if err != nil {
		return err
	}

	if err := s.applyDeleteBehavior(ctx, tx, snap, before); err != nil {
		return err
	}

	n, err := s.repo.Exec(ctx, tx, BuildDeletePlan(snap, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError(table, id)
	}

	if err := s.ensureFreshMetadata(snap); err != nil {
		return err
	}
	if err := s.recordAudit(ctx, tx, snap, "delete", id, before, nil, user); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.afterSave(snap, "record.deleted", id, before, user)
	return nil
}

// Check runs on-demand rules against a stored record, or against a
// supplied candidate payload when id is empty. A non-empty ruleIDs
// narrows the run to those rules. It never mutates state.
func (s *Service) Check(ctx context.Context, user *metadata.UserContext, table string, id string, payload map[string]any, ruleIDs []string) (*CheckReport, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "read"); err != nil {
		return nil, err
	}

	record := payload
	isUpdate := false
	var recordID any
	if id != "" {
		stored, err := s.repo.Get(ctx, s.repo.Store().DB, snap, BuildGetPlan(snap, id), id)
		if err != nil {
			return nil, err
		}
		record = stored
		for k, v := range payload {
			record[k] = v
		}
		recordID = id
		isUpdate = true
	}
	if record == nil {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "Check requires a record id or a candidate payload")
	}

	in := RuleInput{Snapshot: snap, Record: record, RecordID: recordID, IsUpdate: isUpdate, RuleIDs: ruleIDs}
	report := s.checker.Run(ctx, s.repo.Store().DB, metadata.TimingOnDemand, in)

	// before_save rules participate in on-demand checks too: the point
	// of a dry run is to predict what a save would do.
	beforeReport := s.checker.Run(ctx, s.repo.Store().DB, metadata.TimingBeforeSave, in)
	report.Results = append(report.Results, beforeReport.Results...)
	report.Verdict = aggregate(report.Results)
	return report, nil
}

// History returns the change audit trail for one record.
func (s *Service) History(ctx context.Context, user *metadata.UserContext, table, id string, limit int) ([]map[string]any, error) {
	snap, err := s.snapshot(table)
	if err != nil {
		return nil, err
	}
	if err := CheckPermission(snap, user, "read"); err != nil {
		return nil, err
	}
	return s.audit.History(ctx, snap.Table.PhysicalName(), id, limit)
}

func (s *Service) prepareCreate(snap *metadata.Snapshot, payload map[string]any) map[string]any {
	record := make(map[string]any, len(payload)+3)
	for _, c := range snap.Table.WritableColumns() {
		if v, ok := payload[c.Name]; ok {
			record[c.Name] = v
		} else if c.Default != nil {
			record[c.Name] = c.Default
		}
	}

	pk := snap.Table.PrimaryKey
	if pk.Generated {
		record[pk.Column] = uuid.NewString()
	} else if v, ok := payload[pk.Column]; ok {
		record[pk.Column] = v
	}

	now := time.Now().UTC()
	for _, c := range snap.Table.Columns {
		if c.IsAuto() {
			record[c.Name] = now
		}
	}
	return record
}

func (s *Service) prepareUpdate(snap *metadata.Snapshot, payload map[string]any) map[string]any {
	changes := make(map[string]any, len(payload)+1)
	for _, c := range snap.Table.UpdatableColumns() {
		if v, ok := payload[c.Name]; ok {
			changes[c.Name] = v
		}
	}
	now := time.Now().UTC()
	for _, c := range snap.Table.Columns {
		if c.Auto == "update" {
			changes[c.Name] = now
		}
	}
	return changes
}

// prepareForStorage serializes structured values so drivers receive
// scalar parameters only.
func (s *Service) prepareForStorage(snap *metadata.Snapshot, record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		col := snap.Column(k)
		if col != nil && col.Type == metadata.TypeStructured && v != nil {
			if raw, err := json.Marshal(v); err == nil {
				out[k] = string(raw)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ensureFreshMetadata fails the transaction when the table definition
// changed while the operation was in flight.
func (s *Service) ensureFreshMetadata(snap *metadata.Snapshot) error {
	if s.registry.TableVersion(snap.Table.Name) != snap.Version {
		return ConflictError("Table metadata changed during the operation; retry")
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, tx *sql.Tx, snap *metadata.Snapshot, op, id string, before, after map[string]any, user *metadata.UserContext) error {
	principal := ""
	if user != nil {
		principal = user.ID
	}
	return s.audit.Record(ctx, tx, &ChangeLogEntry{
		Table:     snap.Table.PhysicalName(),
		RecordID:  id,
		Operation: op,
		Before:    scrubTimes(before),
		After:     scrubTimes(after),
		Principal: principal,
	})
}

// scrubTimes makes record images JSON-stable for the audit trail.
func scrubTimes(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if t, ok := v.(time.Time); ok {
			out[k] = t.Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	return out
}

// afterSave runs after-save rules and publishes the mutation event once
// the transaction has committed. Failures here surface in the rule run
// log and on the bus; they never roll the write back.
func (s *Service) afterSave(snap *metadata.Snapshot, eventType, id string, record map[string]any, user *metadata.UserContext) {
	principal := ""
	if user != nil {
		principal = user.ID
	}
	s.bus.Publish(Event{
		Type:      eventType,
		Table:     snap.Table.Name,
		RecordID:  id,
		Record:    record,
		Principal: principal,
	})

	rules := snap.RulesFor(metadata.TimingAfterSave)
	if len(rules) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.checker.timeout)
		defer cancel()

		in := RuleInput{Snapshot: snap, Record: record, RecordID: id, IsUpdate: true}
		report := s.checker.Run(ctx, s.repo.Store().DB, metadata.TimingAfterSave, in)
		for _, res := range report.Results {
			if res.Passed {
				continue
			}
			res.OffendingIDs = []string{id}
			if err := s.recordRuleRun(ctx, snap.Table.Name, metadata.TimingAfterSave, res); err != nil {
				log.Printf("record rule run for %s: %v", res.RuleID, err)
			}
		}
		s.bus.Publish(Event{
			Type:      "check.completed",
			Table:     snap.Table.Name,
			RecordID:  id,
			Principal: principal,
		})
	}()
}

func (s *Service) recordRuleRun(ctx context.Context, table string, timing metadata.Timing, res RuleResult) error {
	ids, err := json.Marshal(res.OffendingIDs)
	if err != nil {
		return err
	}
	d := s.repo.Store().Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _rule_runs (id, table_name, rule_id, timing, passed, severity, message, offending_ids) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(table), pb.Add(res.RuleID), pb.Add(string(timing)),
		pb.Add(res.Passed), pb.Add(string(res.Severity)), pb.Add(res.Message), pb.Add(string(ids)),
	)
	_, err = s.repo.Store().DB.ExecContext(ctx, sqlStr, pb.Params()...)
	return err
}
