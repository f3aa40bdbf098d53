// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, jobs store.JobStore) *datatypes.Job {
	t.Helper()
	c, err := datatypes.NewContext(map[string]any{"document": "x"})
	require.NoError(t, err)
	job := &datatypes.Job{
		ID:        "job-1",
		CreatedAt: time.Now().UTC(),
		Status:    datatypes.JobPending,
		Input:     map[string]any{"document": "x"},
		Context:   c,
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func result() executor.RunResult {
	return executor.RunResult{
		RunID:     "run-1",
		GraphHash: "abc",
		Status:    datatypes.JobAwaitingReview,
		Context:   datatypes.Context{"a": {Kind: "k", Fields: map[string]any{"v": 1.0}}},
		Results: []datatypes.StageResult{{
			RunID: "run-1", StageID: "a", Attempt: 1, Outcome: datatypes.OutcomeSuccess, Final: true,
		}},
		Verdict: &datatypes.Verdict{Decision: datatypes.DecisionCSReview, Reasons: []datatypes.Reason{{Code: "x"}}},
		Reasons: []datatypes.Reason{{Code: "x"}},
	}
}

func TestCommit_WritesAuditThenJob(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewMemoryStore()
	ledger := audit.NewMemoryLedger()
	j := New(jobs, ledger, logging.Nop())
	job := newJob(t, jobs)

	require.NoError(t, j.Start(ctx, job))
	running, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobRunning, running.Status)

	rec, err := j.Commit(ctx, job, result(), datatypes.TriggerOverride, "ov-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, "ov-1", rec.OverrideID)
	assert.Equal(t, datatypes.TriggerOverride, rec.Trigger)

	saved, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobAwaitingReview, saved.Status)
	assert.Equal(t, 1, saved.Runs)
	assert.Equal(t, "run-1", saved.LastRunID)
	assert.Equal(t, "abc", saved.GraphHash)
	assert.Len(t, saved.History, 1)
	assert.Equal(t, 1.0, saved.Context.Resolve("a.v"))
}

func TestCommit_LedgerFailureLeavesJobUntouched(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewMemoryStore()
	ledger := audit.NewMemoryLedger()
	require.NoError(t, ledger.Close())
	j := New(jobs, ledger, logging.Nop())
	job := newJob(t, jobs)

	_, err := j.Commit(ctx, job, result(), datatypes.TriggerSubmit, "")
	assert.ErrorIs(t, err, audit.ErrClosed)

	saved, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobPending, saved.Status)
	assert.Equal(t, 0, saved.Runs)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewMemoryStore()
	j := New(jobs, audit.NewMemoryLedger(), nil)
	job := newJob(t, jobs)

	require.NoError(t, j.Start(ctx, job))
	require.NoError(t, j.Restore(ctx, job, datatypes.JobAwaitingReview))

	saved, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobAwaitingReview, saved.Status)
}
