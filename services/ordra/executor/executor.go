// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs a compiled order-processing graph for one job.
//
// A run walks the graph layer by layer. Stages of a layer execute
// concurrently up to a worker bound, and their outputs are merged into the
// run context only after the whole layer has settled, in stage-id order.
// When the last layer is done the decision gate is consulted; only an
// AUTO_POST verdict reaches the poster.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	tracer = otel.Tracer("ordra.executor")
	meter  = otel.Meter("ordra.executor")
)

// Run-level reason codes.
const (
	CodeMalformedInput = "malformed_input"
	CodeRunCancelled   = "run_cancelled"
	CodePostFailed     = "post_failed"
	CodeContextError   = "context_error"
)

var (
	// ErrNoGraph is returned when a run request carries no graph.
	ErrNoGraph = errors.New("run request has no graph")

	// ErrRunActive is returned when the job already has a run in flight.
	ErrRunActive = errors.New("job already has an active run")

	// ErrUnknownStage is returned when Only names a stage not in the graph.
	ErrUnknownStage = errors.New("unknown stage")
)

// Evaluator turns a run context into a verdict. *gate.Gate satisfies it.
type Evaluator interface {
	Evaluate(ctx datatypes.Context) datatypes.Verdict
}

// Poster performs the side-effecting post of an approved order.
type Poster interface {
	Post(ctx context.Context, c datatypes.Context) (datatypes.PostResult, error)
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, c datatypes.Context) (datatypes.PostResult, error)

// Post calls f.
func (f PosterFunc) Post(ctx context.Context, c datatypes.Context) (datatypes.PostResult, error) {
	return f(ctx, c)
}

// RunRequest describes one run of a job.
//
// A first run supplies Input. A re-run supplies Context (the prior
// context with corrections applied), Only (the stages to execute) and
// Prior (the final result of every stage from earlier runs). Stages
// outside Only keep their prior output and are reported as carried
// forward.
type RunRequest struct {
	JobID   string
	RunID   string
	Graph   *dag.Graph
	Input   map[string]any
	Context datatypes.Context
	Only    []string
	Prior   map[string]datatypes.StageResult
}

// RunResult is everything a run produced.
type RunResult struct {
	RunID      string
	GraphHash  string
	Status     datatypes.JobStatus
	Context    datatypes.Context
	Results    []datatypes.StageResult
	Executed   []string
	Verdict    *datatypes.Verdict
	Reasons    []datatypes.Reason
	Post       *datatypes.PostResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Executor runs graphs. It is safe for concurrent use; at most one run
// per job id is admitted at a time.
type Executor struct {
	runner  *step.Runner
	gate    Evaluator
	poster  Poster
	workers int
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	active map[string]struct{}

	metricsOnce   sync.Once
	stageLatency  metric.Float64Histogram
	stageOutcomes metric.Int64Counter
	activeStages  metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
	verdicts      metric.Int64Counter
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers bounds how many stages of one layer run at once.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(f func() string) Option {
	return func(e *Executor) {
		if f != nil {
			e.newID = f
		}
	}
}

// New creates an executor. runner, gate and poster are required.
func New(runner *step.Runner, gate Evaluator, poster Poster, opts ...Option) (*Executor, error) {
	if runner == nil || gate == nil || poster == nil {
		return nil, fmt.Errorf("executor requires a runner, a gate and a poster")
	}
	e := &Executor{
		runner:  runner,
		gate:    gate,
		poster:  poster,
		workers: runtime.NumCPU(),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		active:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Workers returns the per-layer concurrency bound.
func (e *Executor) Workers() int {
	return e.workers
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.stageLatency, err = meter.Float64Histogram("ordra.executor.stage.duration",
			metric.WithDescription("Wall time of each stage including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		e.stageOutcomes, err = meter.Int64Counter("ordra.executor.stage.outcomes",
			metric.WithDescription("Final stage outcomes by stage and outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_outcomes: "+err.Error())
		}

		e.activeStages, err = meter.Int64UpDownCounter("ordra.executor.stage.active",
			metric.WithDescription("Stages currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_stages: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("ordra.executor.run.duration",
			metric.WithDescription("Total run time from first layer to post"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		e.verdicts, err = meter.Int64Counter("ordra.executor.verdicts",
			metric.WithDescription("Gate verdicts by decision"),
		)
		if err != nil {
			initErrors = append(initErrors, "verdicts: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (e *Executor) acquire(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[jobID]; busy {
		return false
	}
	e.active[jobID] = struct{}{}
	return true
}

func (e *Executor) release(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

// Run executes req to a terminal or review status.
//
// # Description
//
// Failures inside the run are data, not errors: a malformed intake,
// cancellation between layers and a failed post all come back as a FAILED
// RunResult with reasons. The returned error is reserved for requests
// that cannot start (no graph, unknown stage, job already running).
//
// Cancelling ctx never interrupts stages already in flight. It is checked
// before each layer and before the post.
func (e *Executor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.Graph == nil {
		return RunResult{}, ErrNoGraph
	}
	for _, id := range req.Only {
		if !req.Graph.Has(id) {
			return RunResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, id)
		}
	}
	if !e.acquire(req.JobID) {
		return RunResult{}, fmt.Errorf("%w: %s", ErrRunActive, req.JobID)
	}
	defer e.release(req.JobID)

	e.initMetrics()

	runID := req.RunID
	if runID == "" {
		runID = e.newID()
	}
	g := req.Graph

	ctx, span := tracer.Start(ctx, "ordra.Run",
		trace.WithAttributes(
			attribute.String("ordra.job_id", req.JobID),
			attribute.String("ordra.run_id", runID),
			attribute.String("ordra.graph_hash", g.Hash()),
			attribute.Int("ordra.stage_count", g.Len()),
			attribute.Bool("ordra.rerun", req.Only != nil),
		),
	)
	defer span.End()

	start := e.now()
	res := RunResult{
		RunID:     runID,
		GraphHash: g.Hash(),
		StartedAt: start,
	}

	e.logger.Info("run started",
		slog.String("job_id", req.JobID),
		slog.String("run_id", runID),
		slog.Int("stages", g.Len()),
		slog.Int("only", len(req.Only)),
	)

	working, err := baseContext(req)
	if err != nil {
		e.finishFailed(ctx, span, &res, datatypes.Reason{Code: CodeMalformedInput, Detail: err.Error()})
		return res, nil
	}

	execute := executeSet(g, req)
	for id := range execute {
		delete(working, id)
	}

	final := make(map[string]datatypes.StageResult, g.Len())
	for li, layer := range g.Layers() {
		if err := ctx.Err(); err != nil {
			res.Context = working
			e.logger.Warn("run cancelled between layers",
				slog.String("job_id", req.JobID),
				slog.String("run_id", runID),
				slog.Int("layer", li),
			)
			e.finishFailed(ctx, span, &res, datatypes.Reason{Code: CodeRunCancelled, Detail: err.Error()})
			return res, nil
		}
		if err := e.runLayer(ctx, req, runID, layer, execute, working, final, &res); err != nil {
			res.Context = working
			e.finishFailed(ctx, span, &res, datatypes.Reason{Code: CodeContextError, Detail: err.Error()})
			return res, nil
		}
	}
	res.Context = working

	verdict := e.gate.Evaluate(working)
	res.Verdict = &verdict
	e.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(verdict.Decision))))
	span.SetAttributes(attribute.String("ordra.decision", string(verdict.Decision)))

	if verdict.Decision != datatypes.DecisionAutoPost {
		res.Status = datatypes.JobAwaitingReview
		res.Reasons = verdict.Reasons
		e.finish(ctx, span, &res)
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		e.finishFailed(ctx, span, &res, datatypes.Reason{Code: CodeRunCancelled, Detail: err.Error()})
		return res, nil
	}

	posted, err := e.poster.Post(context.WithoutCancel(ctx), working)
	if err != nil {
		posted.Error = err.Error()
		if posted.PostedAt.IsZero() {
			posted.PostedAt = e.now().UTC()
		}
		res.Post = &posted
		e.finishFailed(ctx, span, &res, datatypes.Reason{Code: CodePostFailed, Detail: err.Error()})
		return res, nil
	}
	res.Post = &posted
	res.Status = datatypes.JobCompleted
	e.finish(ctx, span, &res)
	return res, nil
}

// runLayer executes one layer and merges its outputs into working.
func (e *Executor) runLayer(
	ctx context.Context,
	req RunRequest,
	runID string,
	layer []string,
	execute map[string]bool,
	working datatypes.Context,
	final map[string]datatypes.StageResult,
	res *RunResult,
) error {
	g := req.Graph
	type slot struct {
		id      string
		results []datatypes.StageResult
		output  *datatypes.Output
		ran     bool
	}
	slots := make([]slot, len(layer))

	eg := new(errgroup.Group)
	eg.SetLimit(e.workers)

	for i, id := range layer {
		slots[i].id = id
		def, _ := g.Stage(id)

		if !execute[id] {
			slots[i].results = []datatypes.StageResult{carried(req.Prior[id])}
			continue
		}
		if dep, outcome, blocked := blockedBy(g, id, final); blocked {
			out := datatypes.UnknownOutput(def.StepKind, datatypes.ReasonStageSkipped)
			now := e.now()
			slots[i].results = []datatypes.StageResult{{
				RunID:      runID,
				StageID:    id,
				Outcome:    datatypes.OutcomeSkipped,
				Output:     &out,
				StartedAt:  now,
				FinishedAt: now,
				Final:      true,
				Detail:     fmt.Sprintf("upstream %s %s", dep, outcome),
			}}
			slots[i].output = &out
			continue
		}

		view, err := working.Restrict(g.InputsOf(id))
		if err != nil {
			_ = eg.Wait()
			return fmt.Errorf("restrict context for %s: %w", id, err)
		}
		eg.Go(func() error {
			outcome := e.runStage(ctx, req.JobID, runID, def, view)
			out := outcome.Output
			slots[i].results = outcome.Results
			slots[i].output = &out
			slots[i].ran = true
			return nil
		})
	}
	_ = eg.Wait()

	for _, s := range slots {
		res.Results = append(res.Results, s.results...)
		last := s.results[len(s.results)-1]
		final[s.id] = last
		if s.output != nil {
			working[s.id] = *s.output
		}
		if s.ran {
			res.Executed = append(res.Executed, s.id)
		}
	}
	return nil
}

// runStage executes one stage detached from run cancellation.
func (e *Executor) runStage(ctx context.Context, jobID, runID string, def datatypes.StageDefinition, view datatypes.Context) step.Outcome {
	ctx, span := tracer.Start(ctx, "ordra.Stage",
		trace.WithAttributes(
			attribute.String("ordra.stage", def.ID),
			attribute.String("ordra.step_kind", def.StepKind),
			attribute.Int("ordra.max_retries", def.MaxRetries),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("stage", def.ID))
	e.activeStages.Add(ctx, 1, attrs)
	defer e.activeStages.Add(ctx, -1, attrs)

	start := e.now()
	outcome := e.runner.Run(context.WithoutCancel(ctx), step.Request{
		JobID: jobID,
		RunID: runID,
		Stage: def,
		View:  view,
	})
	elapsed := e.now().Sub(start)

	last := outcome.Final()
	e.stageLatency.Record(ctx, elapsed.Seconds(), attrs)
	e.stageOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", def.ID),
		attribute.String("outcome", string(last.Outcome)),
	))
	span.SetAttributes(attribute.Int("ordra.attempts", len(outcome.Results)))
	if !outcome.Succeeded {
		reason := ""
		if last.Failure != nil {
			reason = last.Failure.Reason
		}
		span.RecordError(errors.New(reason))
		span.SetStatus(codes.Error, reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return outcome
}

func (e *Executor) finishFailed(ctx context.Context, span trace.Span, res *RunResult, reason datatypes.Reason) {
	res.Status = datatypes.JobFailed
	res.Reasons = append(res.Reasons, reason)
	span.RecordError(errors.New(reason.Detail))
	span.SetStatus(codes.Error, reason.Code)
	e.finish(ctx, span, res)
}

func (e *Executor) finish(ctx context.Context, span trace.Span, res *RunResult) {
	res.FinishedAt = e.now()
	elapsed := res.FinishedAt.Sub(res.StartedAt)
	e.runLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", string(res.Status))))
	span.SetAttributes(attribute.String("ordra.status", string(res.Status)))
	if res.Status != datatypes.JobFailed {
		span.SetStatus(codes.Ok, "")
	}

	attrs := []any{
		slog.String("run_id", res.RunID),
		slog.String("status", string(res.Status)),
		slog.Int("executed", len(res.Executed)),
		slog.Duration("duration", elapsed),
	}
	if res.Verdict != nil {
		attrs = append(attrs, slog.String("decision", string(res.Verdict.Decision)))
	}
	if res.Status == datatypes.JobFailed && len(res.Reasons) > 0 {
		attrs = append(attrs, slog.String("reason", res.Reasons[len(res.Reasons)-1].Code))
		e.logger.Warn("run failed", attrs...)
		return
	}
	e.logger.Info("run finished", attrs...)
}

// baseContext returns the context the run starts from.
func baseContext(req RunRequest) (datatypes.Context, error) {
	if req.Context != nil {
		return req.Context.Clone()
	}
	if req.Input == nil {
		return nil, errors.New("intake document is empty")
	}
	return datatypes.NewContext(req.Input)
}

// executeSet returns the stages this run executes. Without Only, every
// stage runs. With Only, a stage outside it still runs when there is no
// prior result or prior output to carry forward.
func executeSet(g *dag.Graph, req RunRequest) map[string]bool {
	set := make(map[string]bool, g.Len())
	if req.Only == nil {
		for _, id := range g.Order() {
			set[id] = true
		}
		return set
	}
	for _, id := range req.Only {
		set[id] = true
	}
	for _, id := range g.Order() {
		if set[id] {
			continue
		}
		_, hasResult := req.Prior[id]
		_, hasOutput := req.Context[id]
		if !hasResult || !hasOutput {
			set[id] = true
		}
	}
	return set
}

// blockedBy reports the first dependency, in sorted order, whose final
// result this run is not a success.
func blockedBy(g *dag.Graph, id string, final map[string]datatypes.StageResult) (string, datatypes.Outcome, bool) {
	deps := append([]string(nil), g.Dependencies(id)...)
	sort.Strings(deps)
	for _, dep := range deps {
		r, ok := final[dep]
		if !ok {
			return dep, datatypes.OutcomeSkipped, true
		}
		if r.Outcome != datatypes.OutcomeSuccess {
			return dep, r.Outcome, true
		}
	}
	return "", "", false
}

// carried returns the prior final result of a stage outside the execution
// set. It is not modified: RunID still names the run that produced it, and
// corrections to its output live only in the run context.
func carried(prior datatypes.StageResult) datatypes.StageResult {
	return prior
}
