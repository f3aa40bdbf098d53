// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/config"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg,
		WithLogger(logging.Nop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func memoryConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendMemory
	return cfg
}

func submitDemo(t *testing.T, a *App, id, intake string) *datatypes.Job {
	t.Helper()
	doc, err := stages.DemoIntake(intake)
	require.NoError(t, err)
	job, err := a.Service.SubmitJob(context.Background(), datatypes.SubmitJobRequest{ID: id, Input: doc})
	require.NoError(t, err)
	return job
}

func TestNew_MemoryBackends(t *testing.T) {
	a := newApp(t, memoryConfig())

	job := submitDemo(t, a, "job-1", stages.IntakeHappyPath)
	assert.Equal(t, datatypes.JobCompleted, job.Status)
	assert.Len(t, a.ERP.Posted(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.RunsTotal.WithLabelValues("submit", "COMPLETED")))
}

func TestNew_BadgerSurvivesReopen(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "badger")

	a, err := New(context.Background(), cfg, WithLogger(logging.Nop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	submitDemo(t, a, "job-1", stages.IntakeUnmappedMaterial)
	require.NoError(t, a.Close())

	b := newApp(t, cfg)
	job, err := b.Service.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobAwaitingReview, job.Status)

	report, err := b.Service.VerifyAudit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Records)
}

func TestNew_SQLiteLedger(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.AuditBackend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "audit.db")
	a := newApp(t, cfg)

	submitDemo(t, a, "job-1", stages.IntakeCreditBlock)
	records, err := a.Service.AuditHistory(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.DecisionHold, records[0].Verdict.Decision)
}

func TestNew_PipelineFileWithUnknownStepFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nstages:\n  - id: teleport\n"), 0o644))

	cfg := memoryConfig()
	cfg.Engine.PipelineFile = path
	_, err := New(context.Background(), cfg, WithLogger(logging.Nop()), WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, step.ErrStepNotRegistered)
}

func TestReload_RejectsUnknownStepKind(t *testing.T) {
	a := newApp(t, memoryConfig())
	before := a.Service.Graph()

	g, err := dag.Compile([]datatypes.StageDefinition{{ID: "teleport", StepKind: "teleport", Timeout: time.Second}})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Reload(&dag.Pipeline{Name: "x", Stages: g.Stages()}, g), step.ErrStepNotRegistered)
	assert.Same(t, before, a.Service.Graph())
}

func TestStartWatcher_SwapsGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, stages.PipelineYAML, 0o644))

	cfg := memoryConfig()
	cfg.Engine.PipelineFile = path
	cfg.Engine.WatchPipeline = true
	cfg.Engine.ReloadDebounce = 20 * time.Millisecond
	a := newApp(t, cfg)
	require.NoError(t, a.StartWatcher(context.Background()))
	before := a.Service.Graph().Hash()

	edited := append([]byte{}, stages.PipelineYAML...)
	edited = append(edited, []byte("\n  - id: noop_tail\n    step_kind: ingest\n    depends_on: [assemble_order]\n")...)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	require.Eventually(t, func() bool {
		return a.Service.Graph().Hash() != before
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.PipelineReloadsTotal.WithLabelValues("ok")))
}

func TestStartWatcher_NoopForBuiltinPipeline(t *testing.T) {
	cfg := memoryConfig()
	cfg.Engine.WatchPipeline = true
	a := newApp(t, cfg)
	require.NoError(t, a.StartWatcher(context.Background()))
	assert.Nil(t, a.watcher)
}
