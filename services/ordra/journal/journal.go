// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal commits finished runs: one audit record per run, then
// the updated job.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/store"
)

// Journal writes run outcomes to the audit ledger and the job store.
type Journal struct {
	jobs   store.JobStore
	ledger audit.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// New creates a journal. logger may be nil.
func New(jobs store.JobStore, ledger audit.Ledger, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{jobs: jobs, ledger: ledger, logger: logger, now: time.Now}
}

// Ledger returns the underlying audit ledger.
func (j *Journal) Ledger() audit.Ledger {
	return j.ledger
}

// Start marks job RUNNING and saves it.
func (j *Journal) Start(ctx context.Context, job *datatypes.Job) error {
	job.Status = datatypes.JobRunning
	job.UpdatedAt = j.now().UTC()
	if err := j.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	return nil
}

// Restore puts job back to status after a run that never started.
func (j *Journal) Restore(ctx context.Context, job *datatypes.Job, status datatypes.JobStatus) error {
	job.Status = status
	job.UpdatedAt = j.now().UTC()
	return j.jobs.Save(ctx, job)
}

// Commit applies res to job, appends the audit record and saves the job.
//
// The audit record is written first. If the ledger refuses it the job is
// left untouched in the store and the error is returned.
func (j *Journal) Commit(
	ctx context.Context,
	job *datatypes.Job,
	res executor.RunResult,
	trigger datatypes.RunTrigger,
	overrideID string,
) (datatypes.AuditRecord, error) {
	rec, err := j.ledger.Append(ctx, datatypes.AuditRecord{
		RunID:      res.RunID,
		JobID:      job.ID,
		Trigger:    trigger,
		GraphHash:  res.GraphHash,
		Context:    res.Context,
		Verdict:    res.Verdict,
		Status:     res.Status,
		Reasons:    res.Reasons,
		Results:    res.Results,
		OverrideID: overrideID,
		Post:       res.Post,
	})
	if err != nil {
		j.logger.Error("audit append failed",
			slog.String("job_id", job.ID),
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()),
		)
		return datatypes.AuditRecord{}, fmt.Errorf("record run %s: %w", res.RunID, err)
	}

	job.Status = res.Status
	if res.Context != nil {
		job.Context = res.Context
	}
	job.History = res.Results
	job.Verdict = res.Verdict
	job.Reasons = res.Reasons
	job.Runs++
	job.LastRunID = res.RunID
	job.GraphHash = res.GraphHash
	if res.Post != nil {
		job.Post = res.Post
	}
	job.UpdatedAt = j.now().UTC()

	if err := j.jobs.Save(ctx, job); err != nil {
		return rec, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	j.logger.Info("run recorded",
		slog.String("job_id", job.ID),
		slog.String("run_id", res.RunID),
		slog.Uint64("seq", rec.Seq),
		slog.String("trigger", string(trigger)),
		slog.String("status", string(res.Status)),
	)
	return rec, nil
}
