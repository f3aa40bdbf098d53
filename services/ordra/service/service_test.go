// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/gate"
	"github.com/AleutianAI/ordra/services/ordra/observability"
	"github.com/AleutianAI/ordra/services/ordra/override"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/AleutianAI/ordra/services/ordra/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedERP holds the first credit check until release is closed.
type gatedERP struct {
	*stages.StubERP
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedERP(stub *stages.StubERP) *gatedERP {
	return &gatedERP{StubERP: stub, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedERP) CheckCredit(ctx context.Context, soldTo string, amount float64) (stages.CreditResult, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.StubERP.CheckCredit(ctx, soldTo, amount)
}

// brokenLedger rejects every append.
type brokenLedger struct {
	*audit.MemoryLedger
}

func (brokenLedger) Append(context.Context, datatypes.AuditRecord) (datatypes.AuditRecord, error) {
	return datatypes.AuditRecord{}, errors.New("disk full")
}

type harness struct {
	svc     *Service
	erp     *stages.StubERP
	metrics *observability.Metrics
}

func newHarness(t *testing.T, wrap func(*stages.StubERP) stages.ERPConnector) *harness {
	t.Helper()
	return newHarnessWithLedger(t, wrap, audit.NewMemoryLedger())
}

func newHarnessWithLedger(t *testing.T, wrap func(*stages.StubERP) stages.ERPConnector, ledger audit.Ledger) *harness {
	t.Helper()
	dir, cat, err := stages.DemoMasterData()
	require.NoError(t, err)
	stub := stages.NewStubERP(dir, cat, stages.StubConfig{})
	var erp stages.ERPConnector = stub
	if wrap != nil {
		erp = wrap(stub)
	}

	reg := step.NewRegistry()
	require.NoError(t, stages.Register(reg, stages.Deps{Directory: dir, Catalog: cat, ERP: erp}))
	_, g, err := stages.DefaultPipeline()
	require.NoError(t, err)
	gt, err := gate.NewFromPolicyFile("")
	require.NoError(t, err)

	noSleep := func(context.Context, time.Duration) error { return nil }
	exec, err := executor.New(
		step.NewRunner(reg, step.WithLogger(logging.Nop()), step.WithSleeper(noSleep)),
		gt, stages.OrderPoster{ERP: erp}, executor.WithLogger(logging.Nop()),
	)
	require.NoError(t, err)

	m := observability.NewMetrics(prometheus.NewRegistry())
	svc, err := New(Deps{
		Jobs:     store.NewMemoryStore(),
		Ledger:   ledger,
		Executor: exec,
		Graph:    g,
		Logger:   logging.Nop(),
		Metrics:  m,
	})
	require.NoError(t, err)
	return &harness{svc: svc, erp: stub, metrics: m}
}

func intake(t *testing.T, name string) map[string]any {
	t.Helper()
	doc, err := stages.DemoIntake(name)
	require.NoError(t, err)
	return doc
}

func materialFix(id string) datatypes.OverrideRequest {
	return datatypes.OverrideRequest{
		ID:          id,
		Author:      "cs-agent",
		Corrections: map[string]any{"map_materials.lines.1.material": "0000011223"},
	}
}

// =============================================================================
// SubmitJob
// =============================================================================

func TestSubmitJob_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-1", Input: intake(t, stages.IntakeHappyPath)})
	require.NoError(t, err)

	assert.Equal(t, "po-1", job.ID)
	assert.Equal(t, datatypes.JobCompleted, job.Status)
	assert.Equal(t, stages.StubOrderNumber, job.Post.OrderNumber)
	assert.Equal(t, 1, job.Runs)

	stored, err := h.svc.GetJob(ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobCompleted, stored.Status)
	assert.Empty(t, stored.PendingOverrides)

	records, err := h.svc.AuditHistory(ctx, "po-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.TriggerSubmit, records[0].Trigger)
	assert.Equal(t, job.LastRunID, records[0].RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("submit", "COMPLETED")))
}

func TestSubmitJob_CreditBlockIsAuditedWithReason(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-1", Input: intake(t, stages.IntakeCreditBlock)})
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobAwaitingReview, job.Status)
	assert.Equal(t, datatypes.DecisionHold, job.Verdict.Decision)

	records, err := h.svc.AuditHistory(ctx, "po-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.DecisionHold, records[0].Verdict.Decision)
	var codes []string
	for _, r := range records[0].Verdict.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, gate.CodeCreditBlocked)
	assert.Empty(t, h.erp.Posted())
}

func TestSubmitJob_LedgerFailureLeavesJobFailed(t *testing.T) {
	h := newHarnessWithLedger(t, nil, brokenLedger{MemoryLedger: audit.NewMemoryLedger()})
	ctx := context.Background()

	_, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-1", Input: intake(t, stages.IntakeUnmappedMaterial)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	stored, err := h.svc.GetJob(ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobFailed, stored.Status)
	require.Len(t, stored.Reasons, 1)
	assert.Equal(t, CodeRecordFailed, stored.Reasons[0].Code)
	assert.Contains(t, stored.Reasons[0].Detail, "disk full")
}

func TestSubmitJob_GeneratesID(t *testing.T) {
	h := newHarness(t, nil)
	job, err := h.svc.SubmitJob(context.Background(), datatypes.SubmitJobRequest{Input: intake(t, stages.IntakeCreditBlock)})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, datatypes.JobAwaitingReview, job.Status)
	assert.Equal(t, datatypes.DecisionHold, job.Verdict.Decision)
}

func TestSubmitJob_DuplicateRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-1", Input: intake(t, stages.IntakeHappyPath)})
	require.NoError(t, err)
	posted := len(h.erp.Posted())

	_, err = h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-1", Input: intake(t, stages.IntakeHappyPath)})
	assert.ErrorIs(t, err, ErrJobExists)
	assert.Len(t, h.erp.Posted(), posted)

	records, err := h.svc.AuditHistory(ctx, "po-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSubmitJob_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.SubmitJob(context.Background(), datatypes.SubmitJobRequest{ID: "bad id!", Input: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.SubmitJob(context.Background(), datatypes.SubmitJobRequest{ID: "ok"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// =============================================================================
// SubmitOverride
// =============================================================================

func TestSubmitOverride_ResolvesUnmappedMaterial(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-2", Input: intake(t, stages.IntakeUnmappedMaterial)})
	require.NoError(t, err)
	require.Equal(t, datatypes.DecisionCSReview, job.Verdict.Decision)

	out, err := h.svc.SubmitOverride(ctx, "po-2", materialFix("ov-1"))
	require.NoError(t, err)

	assert.False(t, out.Queued)
	assert.Equal(t, []string{"check_atp", "check_pricing", "assemble_order"}, out.Dirty)
	require.NotNil(t, out.Record)
	assert.Equal(t, "ov-1", out.Record.OverrideID)
	assert.Equal(t, datatypes.JobCompleted, out.Job.Status)

	records, err := h.svc.AuditHistory(ctx, "po-2")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ov-1", records[1].OverrideID)

	overrides, err := h.svc.Overrides(ctx, "po-2")
	require.NoError(t, err)
	require.Len(t, overrides, 1)

	report, err := h.svc.VerifyAudit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OverridesTotal.WithLabelValues(observability.OverrideApplied)))
}

func TestSubmitOverride_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.SubmitOverride(ctx, "missing", materialFix("ov-1"))
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = h.svc.SubmitOverride(ctx, "missing", datatypes.OverrideRequest{Author: "a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "done", Input: intake(t, stages.IntakeHappyPath)})
	require.NoError(t, err)
	_, err = h.svc.SubmitOverride(ctx, "done", materialFix("ov-2"))
	assert.ErrorIs(t, err, override.ErrOverrideRejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OverridesTotal.WithLabelValues(observability.OverrideRejected)))
}

func TestSubmitOverride_QueuedWhileRunning(t *testing.T) {
	var gated *gatedERP
	h := newHarness(t, func(s *stages.StubERP) stages.ERPConnector {
		gated = newGatedERP(s)
		return gated
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-3", Input: intake(t, stages.IntakeUnmappedMaterial)})
		done <- err
	}()
	<-gated.entered

	out, err := h.svc.SubmitOverride(ctx, "po-3", materialFix("ov-q"))
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Nil(t, out.Record)

	running, err := h.svc.GetJob(ctx, "po-3")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobRunning, running.Status)
	assert.Equal(t, []string{"ov-q"}, running.PendingOverrides)

	close(gated.release)
	require.NoError(t, <-done)

	final, err := h.svc.GetJob(ctx, "po-3")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobCompleted, final.Status)
	assert.Equal(t, 2, final.Runs)
	assert.Empty(t, final.PendingOverrides)

	records, err := h.svc.AuditHistory(ctx, "po-3")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ov-q", records[1].OverrideID)
}

func TestSubmitOverride_QueuedOverrideRejectedAfterCompletion(t *testing.T) {
	var gated *gatedERP
	h := newHarness(t, func(s *stages.StubERP) stages.ERPConnector {
		gated = newGatedERP(s)
		return gated
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: "po-4", Input: intake(t, stages.IntakeHappyPath)})
		done <- err
	}()
	<-gated.entered

	out, err := h.svc.SubmitOverride(ctx, "po-4", materialFix("ov-late"))
	require.NoError(t, err)
	require.True(t, out.Queued)

	close(gated.release)
	require.NoError(t, <-done)

	final, err := h.svc.GetJob(ctx, "po-4")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobCompleted, final.Status)
	assert.Equal(t, 1, final.Runs)

	overrides, err := h.svc.Overrides(ctx, "po-4")
	require.NoError(t, err)
	assert.Empty(t, overrides)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OverridesTotal.WithLabelValues(observability.OverrideRejected)))
}

// =============================================================================
// Graph and audit queries
// =============================================================================

func TestSwapGraph(t *testing.T) {
	h := newHarness(t, nil)
	_, g2, err := stages.DefaultPipeline()
	require.NoError(t, err)

	prev := h.svc.SwapGraph(g2)
	assert.NotNil(t, prev)
	assert.Same(t, g2, h.svc.Graph())
	assert.Equal(t, prev.Hash(), g2.Hash())
}

func TestAuditRange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)
	for _, id := range []string{"a", "b"} {
		_, err := h.svc.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: id, Input: intake(t, stages.IntakeCreditBlock)})
		require.NoError(t, err)
	}

	records, err := h.svc.AuditRange(ctx, start, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = h.svc.AuditRange(ctx, time.Now().Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = h.svc.AuditHistory(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs, err := h.svc.ListJobs(ctx, datatypes.JobAwaitingReview)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
