// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/gate"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

type orderFixture struct {
	exec  *Executor
	erp   *stages.StubERP
	graph *dag.Graph
}

func newOrderFixture(t *testing.T, opts ...Option) *orderFixture {
	t.Helper()
	dir, cat, err := stages.DemoMasterData()
	require.NoError(t, err)
	erp := stages.NewStubERP(dir, cat, stages.StubConfig{})

	reg := step.NewRegistry()
	require.NoError(t, stages.Register(reg, stages.Deps{Directory: dir, Catalog: cat, ERP: erp}))
	_, g, err := stages.DefaultPipeline()
	require.NoError(t, err)
	require.NoError(t, reg.Check(g))

	gt, err := gate.NewFromPolicyFile("")
	require.NoError(t, err)

	runner := step.NewRunner(reg, step.WithLogger(logging.Nop()), step.WithSleeper(noSleep))
	opts = append([]Option{WithLogger(logging.Nop()), WithWorkers(4)}, opts...)
	e, err := New(runner, gt, stages.OrderPoster{ERP: erp}, opts...)
	require.NoError(t, err)
	return &orderFixture{exec: e, erp: erp, graph: g}
}

func demo(t *testing.T, name string) map[string]any {
	t.Helper()
	doc, err := stages.DemoIntake(name)
	require.NoError(t, err)
	return doc
}

func finals(results []datatypes.StageResult) map[string]datatypes.StageResult {
	out := make(map[string]datatypes.StageResult)
	for _, r := range results {
		if r.Final {
			out[r.StageID] = r
		}
	}
	return out
}

// constEvaluator always returns the same decision.
type constEvaluator datatypes.Decision

func (c constEvaluator) Evaluate(datatypes.Context) datatypes.Verdict {
	return datatypes.Verdict{Decision: datatypes.Decision(c), Reasons: []datatypes.Reason{}}
}

var okPoster = PosterFunc(func(context.Context, datatypes.Context) (datatypes.PostResult, error) {
	return datatypes.PostResult{OrderNumber: "1"}, nil
})

func compile(t *testing.T, defs ...datatypes.StageDefinition) *dag.Graph {
	t.Helper()
	g, err := dag.Compile(defs)
	require.NoError(t, err)
	return g
}

func stageDef(id, kind string, deps ...string) datatypes.StageDefinition {
	return datatypes.StageDefinition{ID: id, StepKind: kind, DependsOn: deps}
}

// =============================================================================
// Order scenarios
// =============================================================================

func TestRun_HappyPathCompletesAndPosts(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeHappyPath)})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobCompleted, res.Status)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, datatypes.DecisionAutoPost, res.Verdict.Decision)
	require.NotNil(t, res.Post)
	assert.Equal(t, stages.StubOrderNumber, res.Post.OrderNumber)
	assert.Len(t, f.erp.Posted(), 1)
	assert.ElementsMatch(t, f.graph.Order(), res.Executed)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, f.graph.Hash(), res.GraphHash)

	// Results follow layer order.
	lastLayer := 0
	for _, r := range res.Results {
		layer := f.graph.LayerOf(r.StageID)
		assert.GreaterOrEqual(t, layer, lastLayer, r.StageID)
		lastLayer = layer
		assert.Equal(t, res.RunID, r.RunID)
	}
}

func TestRun_UnmappedMaterialAwaitsReview(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeUnmappedMaterial)})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobAwaitingReview, res.Status)
	assert.Equal(t, datatypes.DecisionCSReview, res.Verdict.Decision)
	assert.Equal(t, res.Verdict.Reasons, res.Reasons)
	assert.Nil(t, res.Post)
	assert.Empty(t, f.erp.Posted())
}

func TestRun_CreditBlockHolds(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeCreditBlock)})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobAwaitingReview, res.Status)
	assert.Equal(t, datatypes.DecisionHold, res.Verdict.Decision)
	assert.Equal(t, datatypes.RoleFinance, res.Verdict.RequiredRole)
	assert.Empty(t, f.erp.Posted())
}

func TestRun_MissingPOAsksCustomer(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeMissingPO)})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobAwaitingReview, res.Status)
	assert.Equal(t, datatypes.DecisionAskCustomer, res.Verdict.Decision)
	assert.Contains(t, res.Verdict.RequiredFields, "extract.po_number")
}

func TestRun_FailedRootSkipsEverythingDownstream(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{
		JobID: "job-1",
		Graph: f.graph,
		Input: map[string]any{"sender": "purchasing@acme-industrial.example"},
	})
	require.NoError(t, err)

	final := finals(res.Results)
	assert.Equal(t, datatypes.OutcomeFailure, final["ingest"].Outcome)
	for _, id := range f.graph.Order() {
		if id == "ingest" {
			continue
		}
		r := final[id]
		assert.Equal(t, datatypes.OutcomeSkipped, r.Outcome, id)
		assert.Equal(t, 0, r.Attempt, id)
		assert.NotEmpty(t, r.Detail, id)
		u, ok := datatypes.IsUnknown(res.Context.Resolve(id + ".anything"))
		require.True(t, ok, id)
		assert.Equal(t, datatypes.ReasonStageSkipped, u.Reason, id)
	}
	assert.Equal(t, []string{"ingest"}, res.Executed)
	assert.NotEqual(t, datatypes.DecisionAutoPost, res.Verdict.Decision)
	assert.Equal(t, datatypes.JobAwaitingReview, res.Status)
	assert.Equal(t, 0, f.erp.Calls(stages.OpCredit))
}

func TestRun_TransientFailuresAreRetried(t *testing.T) {
	f := newOrderFixture(t)
	f.erp.FailFirst(stages.OpCredit, 2)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeHappyPath)})
	require.NoError(t, err)

	var credit []datatypes.StageResult
	for _, r := range res.Results {
		if r.StageID == "check_credit" {
			credit = append(credit, r)
		}
	}
	require.Len(t, credit, 3)
	assert.Equal(t, datatypes.FailureTransient, credit[0].Failure.Class)
	assert.False(t, credit[0].Final)
	assert.True(t, credit[2].Final)
	assert.Equal(t, datatypes.OutcomeSuccess, credit[2].Outcome)
	assert.Equal(t, datatypes.JobCompleted, res.Status)
}

func TestRun_PostFailureFailsRun(t *testing.T) {
	f := newOrderFixture(t)
	failing := PosterFunc(func(context.Context, datatypes.Context) (datatypes.PostResult, error) {
		return datatypes.PostResult{}, errors.New("erp offline")
	})
	e, err := New(f.exec.runner, f.exec.gate, failing, WithLogger(logging.Nop()))
	require.NoError(t, err)

	res, err := e.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeHappyPath)})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobFailed, res.Status)
	assert.Equal(t, datatypes.DecisionAutoPost, res.Verdict.Decision)
	require.NotNil(t, res.Post)
	assert.Equal(t, "erp offline", res.Post.Error)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, CodePostFailed, res.Reasons[0].Code)
}

func TestRun_MalformedInputFails(t *testing.T) {
	f := newOrderFixture(t)

	res, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobFailed, res.Status)
	assert.Equal(t, CodeMalformedInput, res.Reasons[0].Code)
	assert.Empty(t, res.Results)
	assert.Nil(t, res.Verdict)
}

func TestRun_RequestErrors(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1"})
	assert.ErrorIs(t, err, ErrNoGraph)

	_, err = f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Only: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

// =============================================================================
// Memoization
// =============================================================================

func TestRun_OnlyReexecutesNamedStages(t *testing.T) {
	f := newOrderFixture(t)
	first, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeCreditBlock)})
	require.NoError(t, err)
	creditCalls := f.erp.Calls(stages.OpCredit)

	dirty := []string{"check_atp", "check_pricing", "assemble_order"}
	second, err := f.exec.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Graph:   f.graph,
		Context: first.Context,
		Only:    dirty,
		Prior:   finals(first.Results),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, dirty, second.Executed)
	assert.Equal(t, creditCalls, f.erp.Calls(stages.OpCredit))
	assert.Len(t, second.Results, f.graph.Len())

	for _, r := range second.Results {
		if r.StageID == "check_atp" || r.StageID == "check_pricing" || r.StageID == "assemble_order" {
			assert.Equal(t, second.RunID, r.RunID, r.StageID)
			continue
		}
		assert.Equal(t, finals(first.Results)[r.StageID], r, "carried result must be unchanged: %s", r.StageID)
		assert.Equal(t, first.Context[r.StageID], second.Context[r.StageID], r.StageID)
	}
}

func TestRun_OnlyRunsStagesWithoutPriorResult(t *testing.T) {
	f := newOrderFixture(t)
	first, err := f.exec.Run(context.Background(), RunRequest{JobID: "job-1", Graph: f.graph, Input: demo(t, stages.IntakeHappyPath)})
	require.NoError(t, err)

	prior := finals(first.Results)
	delete(prior, "check_credit")
	second, err := f.exec.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Graph:   f.graph,
		Context: first.Context,
		Only:    []string{"assemble_order"},
		Prior:   prior,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"check_credit", "assemble_order"}, second.Executed)
}

// =============================================================================
// Scheduling
// =============================================================================

func TestRun_WorkerBoundIsRespected(t *testing.T) {
	var running, peak int32
	reg := step.NewRegistry()
	require.NoError(t, reg.Register("slow", step.Func(func(ctx context.Context, in step.Input) (map[string]any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return map[string]any{}, nil
	})))
	defs := []datatypes.StageDefinition{stageDef("root", "slow")}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		defs = append(defs, stageDef(id, "slow", "root"))
	}
	g := compile(t, defs...)

	e, err := New(step.NewRunner(reg, step.WithLogger(logging.Nop())), constEvaluator(datatypes.DecisionAutoPost), okPoster,
		WithWorkers(2), WithLogger(logging.Nop()))
	require.NoError(t, err)

	res, err := e.Run(context.Background(), RunRequest{JobID: "j", Graph: g, Input: map[string]any{}})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobCompleted, res.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Len(t, res.Executed, 7)
}

func TestRun_LayerOutputsMergeAfterLayerSettles(t *testing.T) {
	reg := step.NewRegistry()
	require.NoError(t, reg.Register("echo", step.Func(func(ctx context.Context, in step.Input) (map[string]any, error) {
		return map[string]any{"saw": in.Context.Keys()}, nil
	})))
	g := compile(t,
		stageDef("a", "echo"),
		stageDef("b", "echo"),
		stageDef("c", "echo", "a", "b"),
	)
	e, err := New(step.NewRunner(reg, step.WithLogger(logging.Nop())), constEvaluator(datatypes.DecisionCSReview), okPoster,
		WithLogger(logging.Nop()))
	require.NoError(t, err)

	res, err := e.Run(context.Background(), RunRequest{JobID: "j", Graph: g, Input: map[string]any{"x": 1}})
	require.NoError(t, err)

	assert.Equal(t, []any{"input"}, res.Context.Resolve("a.saw"))
	assert.Equal(t, []any{"input"}, res.Context.Resolve("b.saw"))
	assert.Equal(t, []any{"a", "b"}, res.Context.Resolve("c.saw"))
	assert.Equal(t, datatypes.JobAwaitingReview, res.Status)
}

func TestRun_CancellationStopsBetweenLayers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secondRan atomic.Bool
	reg := step.NewRegistry()
	require.NoError(t, reg.Register("cancel", step.Func(func(stepCtx context.Context, in step.Input) (map[string]any, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if stepCtx.Err() != nil {
			return nil, step.Permanentf("interrupted")
		}
		return map[string]any{"done": true}, nil
	})))
	require.NoError(t, reg.Register("mark", step.Func(func(context.Context, step.Input) (map[string]any, error) {
		secondRan.Store(true)
		return map[string]any{}, nil
	})))
	g := compile(t, stageDef("first", "cancel"), stageDef("second", "mark", "first"))

	e, err := New(step.NewRunner(reg, step.WithLogger(logging.Nop())), constEvaluator(datatypes.DecisionAutoPost), okPoster,
		WithLogger(logging.Nop()))
	require.NoError(t, err)

	res, err := e.Run(ctx, RunRequest{JobID: "j", Graph: g, Input: map[string]any{}})
	require.NoError(t, err)

	assert.Equal(t, datatypes.JobFailed, res.Status)
	assert.Equal(t, CodeRunCancelled, res.Reasons[0].Code)
	require.Len(t, res.Results, 1)
	assert.Equal(t, datatypes.OutcomeSuccess, res.Results[0].Outcome)
	assert.Equal(t, true, res.Context.Resolve("first.done"))
	assert.False(t, secondRan.Load())
	assert.Nil(t, res.Post)
}

func TestRun_OneActiveRunPerJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	reg := step.NewRegistry()
	require.NoError(t, reg.Register("block", step.Func(func(context.Context, step.Input) (map[string]any, error) {
		once.Do(func() { close(started) })
		<-release
		return map[string]any{}, nil
	})))
	g := compile(t, stageDef("only", "block"))
	e, err := New(step.NewRunner(reg, step.WithLogger(logging.Nop())), constEvaluator(datatypes.DecisionCSReview), okPoster,
		WithLogger(logging.Nop()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), RunRequest{JobID: "j", Graph: g, Input: map[string]any{}})
		done <- err
	}()
	<-started

	_, err = e.Run(context.Background(), RunRequest{JobID: "j", Graph: g, Input: map[string]any{}})
	assert.ErrorIs(t, err, ErrRunActive)

	_, err = e.Run(context.Background(), RunRequest{JobID: "other", Graph: compile(t, stageDef("x", "noop-missing")), Input: map[string]any{}})
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, constEvaluator(datatypes.DecisionHold), okPoster)
	assert.Error(t, err)
}
