// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package override applies human corrections to a job awaiting review and
// re-runs only the part of the graph the corrections can affect.
//
// # Dirty subgraph
//
// A correction names a field path whose first segment is a context key: a
// stage id or "input". The dirty set is every stage whose declared inputs
// include a corrected key, plus all of their transitive dependents. The
// corrected stages themselves are not re-run; their corrected output is
// what downstream stages now read.
//
// When the pipeline has changed since the job's last run (its graph hash
// differs), every stage is dirty except the corrected ones.
package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/journal"
	"github.com/AleutianAI/ordra/services/ordra/store"
	"github.com/google/uuid"
)

// ErrOverrideRejected is returned when an override cannot be applied. The
// job is left unchanged.
var ErrOverrideRejected = errors.New("override rejected")

// Rejection reasons.
const (
	ReasonNotAwaitingReview = "job_not_awaiting_review"
	ReasonDuplicate         = "duplicate_override"
	ReasonUnknownPath       = "unknown_path"
	ReasonInvalidRequest    = "invalid_request"
)

// Error describes a rejected override.
type Error struct {
	OverrideID string
	Reason     string
	Path       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("override %s rejected: %s", e.OverrideID, e.Reason)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports ErrOverrideRejected for every rejection.
func (e *Error) Is(target error) bool {
	return target == ErrOverrideRejected
}

func (e *Error) Unwrap() error {
	return e.Err
}

func reject(id, reason, path string, err error) error {
	return &Error{OverrideID: id, Reason: reason, Path: path, Err: err}
}

// Plan is the re-run an override leads to.
type Plan struct {
	Override datatypes.Override

	// Context is the prior context with corrections applied and dirty
	// stage outputs removed.
	Context datatypes.Context

	// Dirty lists the stages to re-execute, in topological order.
	Dirty []string

	// Corrected lists the corrected context keys, sorted.
	Corrected []string

	// Prior holds the final result of every stage from the last run.
	Prior map[string]datatypes.StageResult

	// GraphChanged is set when the pipeline differs from the last run.
	GraphChanged bool
}

// NewPlan validates ov against job and g and computes the re-run.
//
// # Description
//
// The job must be AWAITING_REVIEW. Every correction path must resolve:
// its root is a graph stage or "input" whose output is present and not
// Unknown, and every intermediate segment is an object or an in-range
// array index. Any violation rejects the whole override.
func NewPlan(job *datatypes.Job, ov datatypes.Override, g *dag.Graph) (*Plan, error) {
	if job.Status != datatypes.JobAwaitingReview {
		return nil, reject(ov.ID, ReasonNotAwaitingReview, "", fmt.Errorf("job %s is %s", job.ID, job.Status))
	}
	if len(ov.Corrections) == 0 {
		return nil, reject(ov.ID, ReasonInvalidRequest, "", errors.New("no corrections"))
	}

	merged, err := job.Context.Clone()
	if err != nil {
		return nil, reject(ov.ID, ReasonInvalidRequest, "", err)
	}

	paths := make([]string, 0, len(ov.Corrections))
	for p := range ov.Corrections {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	roots := make(map[string]bool)
	for _, p := range paths {
		root := datatypes.PathRoot(p)
		if root != datatypes.InputKey && !g.Has(root) {
			return nil, reject(ov.ID, ReasonUnknownPath, p, fmt.Errorf("%w: %s is not a stage", datatypes.ErrUnknownPath, root))
		}
		value, err := datatypes.CloneValue(ov.Corrections[p])
		if err != nil {
			return nil, reject(ov.ID, ReasonInvalidRequest, p, err)
		}
		if err := merged.Set(p, value); err != nil {
			return nil, reject(ov.ID, ReasonUnknownPath, p, err)
		}
		roots[root] = true
	}

	plan := &Plan{
		Override:     ov,
		Prior:        job.FinalResults(),
		GraphChanged: job.GraphHash != "" && job.GraphHash != g.Hash(),
	}
	for r := range roots {
		plan.Corrected = append(plan.Corrected, r)
	}
	sort.Strings(plan.Corrected)

	dirty := make(map[string]bool)
	if plan.GraphChanged {
		for _, id := range g.Order() {
			if !roots[id] {
				dirty[id] = true
			}
		}
		for k := range merged {
			if k != datatypes.InputKey && !g.Has(k) {
				delete(merged, k)
			}
		}
	} else {
		dirty = DirtySet(g, plan.Corrected)
	}

	for _, id := range g.Order() {
		if dirty[id] {
			plan.Dirty = append(plan.Dirty, id)
			delete(merged, id)
		}
	}
	if plan.Dirty == nil {
		plan.Dirty = []string{}
	}
	plan.Context = merged
	return plan, nil
}

// DirtySet returns the stages whose inputs include any of keys, plus
// their transitive dependents.
func DirtySet(g *dag.Graph, keys []string) map[string]bool {
	corrected := make(map[string]bool, len(keys))
	for _, k := range keys {
		corrected[k] = true
	}
	var direct []string
	for _, id := range g.Order() {
		for _, in := range g.InputsOf(id) {
			if corrected[in] {
				direct = append(direct, id)
				break
			}
		}
	}
	dirty := make(map[string]bool)
	for _, id := range direct {
		dirty[id] = true
	}
	for _, id := range g.TransitiveDependents(direct...) {
		dirty[id] = true
	}
	return dirty
}

// Result is the outcome of an applied override.
type Result struct {
	Override datatypes.Override
	Plan     *Plan
	Run      executor.RunResult
	Record   datatypes.AuditRecord
}

// Coordinator applies overrides. Callers serialize calls per job.
type Coordinator struct {
	exec    *executor.Executor
	jobs    store.JobStore
	journal *journal.Journal
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the override id generator.
func WithIDGenerator(f func() string) Option {
	return func(c *Coordinator) {
		if f != nil {
			c.newID = f
		}
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(exec *executor.Executor, jobs store.JobStore, j *journal.Journal, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:    exec,
		jobs:    jobs,
		journal: j,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare fills in the override's id, job id and submission time.
func (c *Coordinator) Prepare(jobID string, req datatypes.OverrideRequest) datatypes.Override {
	id := req.ID
	if id == "" {
		id = c.newID()
	}
	return datatypes.Override{
		ID:          id,
		JobID:       jobID,
		Author:      req.Author,
		Corrections: req.Corrections,
		Note:        req.Note,
		SubmittedAt: c.now().UTC(),
	}
}

// Apply validates ov, records it and re-runs the dirty subgraph of job.
//
// # Description
//
// Rejections (wrong status, unknown path, reused id) return an *Error
// matching ErrOverrideRejected and leave the job and store unchanged.
// An accepted override is stored before the run starts, so resubmitting
// the same id is rejected without executing anything.
//
// job is updated in place with the new run.
func (c *Coordinator) Apply(ctx context.Context, job *datatypes.Job, ov datatypes.Override, g *dag.Graph) (*Result, error) {
	if ov.JobID != "" && ov.JobID != job.ID {
		return nil, reject(ov.ID, ReasonInvalidRequest, "", fmt.Errorf("override targets job %s", ov.JobID))
	}
	ov.JobID = job.ID
	if ov.SubmittedAt.IsZero() {
		ov.SubmittedAt = c.now().UTC()
	}

	if _, err := c.jobs.GetOverride(ctx, ov.ID); err == nil {
		return nil, reject(ov.ID, ReasonDuplicate, "", store.ErrOverrideExists)
	} else if !errors.Is(err, store.ErrOverrideNotFound) {
		return nil, fmt.Errorf("lookup override %s: %w", ov.ID, err)
	}

	plan, err := NewPlan(job, ov, g)
	if err != nil {
		c.logger.Info("override rejected",
			slog.String("job_id", job.ID),
			slog.String("override_id", ov.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := c.jobs.AppendOverride(ctx, ov); err != nil {
		if errors.Is(err, store.ErrOverrideExists) {
			return nil, reject(ov.ID, ReasonDuplicate, "", err)
		}
		return nil, fmt.Errorf("store override %s: %w", ov.ID, err)
	}

	c.logger.Info("override accepted",
		slog.String("job_id", job.ID),
		slog.String("override_id", ov.ID),
		slog.String("author", ov.Author),
		slog.Any("corrected", plan.Corrected),
		slog.Any("dirty", plan.Dirty),
		slog.Bool("graph_changed", plan.GraphChanged),
	)

	prevStatus := job.Status
	if err := c.journal.Start(ctx, job); err != nil {
		return nil, err
	}
	run, err := c.exec.Run(ctx, executor.RunRequest{
		JobID:   job.ID,
		Graph:   g,
		Context: plan.Context,
		Only:    plan.Dirty,
		Prior:   plan.Prior,
	})
	if err != nil {
		if rerr := c.journal.Restore(ctx, job, prevStatus); rerr != nil {
			c.logger.Error("restore job status failed",
				slog.String("job_id", job.ID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, fmt.Errorf("rerun job %s: %w", job.ID, err)
	}

	rec, err := c.journal.Commit(ctx, job, run, datatypes.TriggerOverride, ov.ID)
	if err != nil {
		if rerr := c.journal.Restore(ctx, job, prevStatus); rerr != nil {
			c.logger.Error("restore job status failed",
				slog.String("job_id", job.ID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, err
	}
	return &Result{Override: ov, Plan: plan, Run: run, Record: rec}, nil
}
