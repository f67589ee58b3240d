package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"mdm-backend/internal/metadata"
)

// Scheduler runs scheduled consistency rules as periodic batch sweeps.
// Each sweep walks every table carrying scheduled rules, pages through
// its records and writes a rule run row per failure. Sweeps only
// observe and report; they never block or mutate records.
type Scheduler struct {
	registry  *metadata.Registry
	repo      *Repository
	service   *Service
	checker   *Checker
	cron      *cron.Cron
	batchSize int
}

func NewScheduler(registry *metadata.Registry, repo *Repository, service *Service, checker *Checker, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Scheduler{
		registry:  registry,
		repo:      repo,
		service:   service,
		checker:   checker,
		cron:      cron.New(),
		batchSize: batchSize,
	}
}

// Start registers the sweep on the given cron spec and starts the
// scheduler.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		spec = "@hourly"
	}
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Sweep(context.Background()); err != nil {
			log.Printf("scheduled rule sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs scheduled rules across all tables once. Exposed so an
// operator can trigger a run on demand.
func (s *Scheduler) Sweep(ctx context.Context) error {
	var firstErr error
	for _, name := range s.registry.TableNames() {
		if err := s.sweepTable(ctx, name); err != nil {
			log.Printf("sweep %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) sweepTable(ctx context.Context, table string) error {
	snap, err := s.registry.Snapshot(table)
	if err != nil {
		return nil
	}
	rules := snap.RulesFor(metadata.TimingScheduled)
	if len(rules) == 0 {
		return nil
	}

	pk := snap.Table.PrimaryKey.Column
	offset := 0
	for {
		plan, err := BuildSelectPlan(snap, ListOptions{Limit: s.batchSize, Offset: offset})
		if err != nil {
			return err
		}
		rows, err := s.repo.List(ctx, s.repo.Store().DB, snap, plan)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			id := fmt.Sprint(row[pk])
			in := RuleInput{Snapshot: snap, Record: row, RecordID: row[pk], IsUpdate: true}
			report := s.checker.Run(ctx, s.repo.Store().DB, metadata.TimingScheduled, in)
			for _, res := range report.Results {
				if res.Passed {
					continue
				}
				res.OffendingIDs = []string{id}
				if err := s.service.recordRuleRun(ctx, table, metadata.TimingScheduled, res); err != nil {
					log.Printf("record scheduled rule run for %s: %v", res.RuleID, err)
				}
			}
		}

		if len(rows) < s.batchSize {
			return nil
		}
		offset += s.batchSize
	}
}
