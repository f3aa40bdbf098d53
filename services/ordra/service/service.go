// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service is the caller-facing facade of the order-processing
// engine.
//
// # Description
//
// Service owns the per-job run lock. A job runs at most once at a time:
// submission runs it synchronously, and an override submitted while a run
// is in flight is queued and applied by the run holder once the run ends.
// The active pipeline graph is swapped atomically on reload; runs already
// started keep the graph they began with.
//
// # Thread Safety
//
// Safe for concurrent use.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/journal"
	"github.com/AleutianAI/ordra/services/ordra/observability"
	"github.com/AleutianAI/ordra/services/ordra/override"
	"github.com/AleutianAI/ordra/services/ordra/store"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobExists is returned when a job id is submitted twice.
	ErrJobExists = store.ErrJobExists

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = store.ErrJobNotFound
)

// CodeRecordFailed is the job reason set when a finished run could not be
// written to the audit ledger. The job is left FAILED.
const CodeRecordFailed = "record_failed"

// Deps are the collaborators a Service needs.
type Deps struct {
	Jobs     store.JobStore
	Ledger   audit.Ledger
	Executor *executor.Executor
	Graph    *dag.Graph
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// OverrideOutcome reports what happened to a submitted override.
type OverrideOutcome struct {
	Override datatypes.Override
	Job      *datatypes.Job

	// Queued is set when the job was running; the override is applied
	// after that run ends.
	Queued bool

	// Record is the audit record of the re-run. Nil when queued.
	Record *datatypes.AuditRecord

	// Dirty lists the re-executed stages. Nil when queued.
	Dirty []string
}

type queuedOverride struct {
	ov  datatypes.Override
	ctx context.Context
}

// jobSlot serializes runs of one job.
type jobSlot struct {
	mu      sync.Mutex
	running bool
	queue   []queuedOverride
}

// Service implements the caller-facing operations.
type Service struct {
	jobs    store.JobStore
	ledger  audit.Ledger
	exec    *executor.Executor
	journal *journal.Journal
	coord   *override.Coordinator
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	graph atomic.Pointer[dag.Graph]

	slotsMu sync.Mutex
	slots   map[string]*jobSlot
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the job and override id generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

// New creates a Service.
func New(d Deps, opts ...Option) (*Service, error) {
	if d.Jobs == nil || d.Ledger == nil || d.Executor == nil || d.Graph == nil {
		return nil, fmt.Errorf("service requires a job store, a ledger, an executor and a graph")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		jobs:    d.Jobs,
		ledger:  d.Ledger,
		exec:    d.Executor,
		metrics: d.Metrics,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		slots:   make(map[string]*jobSlot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.journal = journal.New(d.Jobs, d.Ledger, logger)
	s.coord = override.NewCoordinator(d.Executor, d.Jobs, s.journal,
		override.WithLogger(logger),
		override.WithClock(s.now),
		override.WithIDGenerator(s.newID),
	)
	s.graph.Store(d.Graph)
	return s, nil
}

// Graph returns the active pipeline graph.
func (s *Service) Graph() *dag.Graph {
	return s.graph.Load()
}

// SwapGraph installs g as the active graph and returns the previous one.
func (s *Service) SwapGraph(g *dag.Graph) *dag.Graph {
	prev := s.graph.Swap(g)
	if prev == nil || prev.Hash() != g.Hash() {
		s.logger.Info("pipeline graph swapped",
			slog.String("hash", g.Hash()),
			slog.Int("stages", g.Len()),
		)
	}
	return prev
}

// Ledger returns the audit ledger.
func (s *Service) Ledger() audit.Ledger {
	return s.ledger
}

func (s *Service) slot(jobID string) *jobSlot {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	sl, ok := s.slots[jobID]
	if !ok {
		sl = &jobSlot{}
		s.slots[jobID] = sl
	}
	return sl
}

// SubmitJob creates a job from req and runs it to completion or review.
//
// # Description
//
// The job is persisted as PENDING before it runs, so a duplicate id is
// rejected with ErrJobExists without running anything. The returned job
// reflects the finished run. A run-level failure is not an error: the job
// comes back FAILED with reasons and an audit record.
func (s *Service) SubmitJob(ctx context.Context, req datatypes.SubmitJobRequest) (*datatypes.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	job := &datatypes.Job{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    datatypes.JobPending,
		Input:     req.Input,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	sl := s.slot(id)
	sl.mu.Lock()
	sl.running = true
	sl.mu.Unlock()
	defer s.release(id, sl)

	g := s.Graph()
	if err := s.journal.Start(ctx, job); err != nil {
		return nil, err
	}
	res, err := s.exec.Run(ctx, executor.RunRequest{JobID: id, Graph: g, Input: req.Input})
	if err != nil {
		if rerr := s.journal.Restore(ctx, job, datatypes.JobPending); rerr != nil {
			s.logger.Error("restore job status failed", slog.String("job_id", id), slog.String("error", rerr.Error()))
		}
		return nil, fmt.Errorf("run job %s: %w", id, err)
	}
	if _, err := s.journal.Commit(ctx, job, res, datatypes.TriggerSubmit, ""); err != nil {
		job.Reasons = []datatypes.Reason{{Code: CodeRecordFailed, Detail: err.Error()}}
		if rerr := s.journal.Restore(ctx, job, datatypes.JobFailed); rerr != nil {
			s.logger.Error("restore job status failed", slog.String("job_id", id), slog.String("error", rerr.Error()))
		}
		return nil, err
	}
	s.recordRun(datatypes.TriggerSubmit, res)
	return job, nil
}

// GetJob returns the stored job. PendingOverrides lists overrides queued
// behind an active run.
func (s *Service) GetJob(ctx context.Context, id string) (*datatypes.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.PendingOverrides = s.pending(id)
	return job, nil
}

func (s *Service) pending(jobID string) []string {
	s.slotsMu.Lock()
	sl, ok := s.slots[jobID]
	s.slotsMu.Unlock()
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var ids []string
	for _, q := range sl.queue {
		ids = append(ids, q.ov.ID)
	}
	return ids
}

// ListJobs returns jobs, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, status datatypes.JobStatus) ([]*datatypes.Job, error) {
	return s.jobs.List(ctx, status)
}

// AuditHistory returns a job's audit records in run order.
func (s *Service) AuditHistory(ctx context.Context, jobID string) ([]datatypes.AuditRecord, error) {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.ledger.ByJob(ctx, jobID)
}

// AuditRange returns audit records recorded in [from, to).
func (s *Service) AuditRange(ctx context.Context, from, to time.Time) ([]datatypes.AuditRecord, error) {
	return s.ledger.ByTimeRange(ctx, from, to)
}

// VerifyAudit checks the audit hash chain.
func (s *Service) VerifyAudit(ctx context.Context) (audit.VerifyReport, error) {
	return s.ledger.Verify(ctx)
}

// Overrides returns a job's accepted overrides.
func (s *Service) Overrides(ctx context.Context, jobID string) ([]datatypes.Override, error) {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.jobs.Overrides(ctx, jobID)
}

// SubmitOverride applies req to the job, or queues it while the job runs.
//
// # Description
//
// When the job is idle the override is applied synchronously and the
// outcome carries the new run's audit record. When a run is in flight the
// override is queued and Queued is set; the run holder applies it after
// the run ends, and rejects it (logged, counted) if the job is no longer
// awaiting review by then.
//
// Rejections return an error matching override.ErrOverrideRejected.
func (s *Service) SubmitOverride(ctx context.Context, jobID string, req datatypes.OverrideRequest) (*OverrideOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ov := s.coord.Prepare(jobID, req)

	sl := s.slot(jobID)
	sl.mu.Lock()
	if sl.running {
		sl.queue = append(sl.queue, queuedOverride{ov: ov, ctx: context.WithoutCancel(ctx)})
		sl.mu.Unlock()
		s.metrics.RecordOverride(observability.OverrideQueued)
		s.logger.Info("override queued behind active run",
			slog.String("job_id", jobID),
			slog.String("override_id", ov.ID),
		)
		return &OverrideOutcome{Override: ov, Job: job, Queued: true}, nil
	}
	sl.running = true
	sl.mu.Unlock()
	defer s.release(jobID, sl)

	// Re-read under the run lock; the job may have changed since.
	job, err = s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, job, ov)
}

func (s *Service) apply(ctx context.Context, job *datatypes.Job, ov datatypes.Override) (*OverrideOutcome, error) {
	res, err := s.coord.Apply(ctx, job, ov, s.Graph())
	if err != nil {
		if errors.Is(err, override.ErrOverrideRejected) {
			s.metrics.RecordOverride(observability.OverrideRejected)
		}
		return nil, err
	}
	s.metrics.RecordOverride(observability.OverrideApplied)
	s.recordRun(datatypes.TriggerOverride, res.Run)
	rec := res.Record
	return &OverrideOutcome{
		Override: res.Override,
		Job:      job,
		Record:   &rec,
		Dirty:    res.Plan.Dirty,
	}, nil
}

// release drains queued overrides, then frees the job's run lock.
func (s *Service) release(jobID string, sl *jobSlot) {
	for {
		sl.mu.Lock()
		if len(sl.queue) == 0 {
			sl.running = false
			sl.mu.Unlock()
			return
		}
		next := sl.queue[0]
		sl.queue = sl.queue[1:]
		sl.mu.Unlock()

		job, err := s.jobs.Get(next.ctx, jobID)
		if err != nil {
			s.logger.Error("queued override dropped",
				slog.String("job_id", jobID),
				slog.String("override_id", next.ov.ID),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordOverride(observability.OverrideRejected)
			continue
		}
		if _, err := s.apply(next.ctx, job, next.ov); err != nil {
			s.logger.Warn("queued override rejected",
				slog.String("job_id", jobID),
				slog.String("override_id", next.ov.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) recordRun(trigger datatypes.RunTrigger, res executor.RunResult) {
	decision := ""
	if res.Verdict != nil {
		decision = string(res.Verdict.Decision)
	}
	s.metrics.RecordRun(string(trigger), string(res.Status), decision, res.FinishedAt.Sub(res.StartedAt))
}
