// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Failure reasons recorded by the runner itself.
const (
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonNotRegistered      = "step_kind_not_registered"
	ReasonPanic              = "step_panicked"
	ReasonNotSerializable    = "output_not_serializable"
	ReasonAttemptTimeout     = "attempt_timeout"
	ReasonBackoffInterrupted = "backoff_interrupted"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleeper is the default Sleeper.
func ContextSleeper(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner executes stages with timeout, retry and backoff.
//
// # Thread Safety
//
// Safe for concurrent use; the executor calls Run from several workers.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
	sleep    Sleeper
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleeper replaces the backoff sleeper. Used by tests.
func WithSleeper(s Sleeper) RunnerOption {
	return func(r *Runner) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithClock replaces time.Now for result timestamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner over registry.
func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		logger:   slog.Default(),
		sleep:    ContextSleeper,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the runner's step registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Request describes one stage execution.
type Request struct {
	JobID string
	RunID string
	Stage datatypes.StageDefinition

	// View is the stage's restricted input context. The runner hands each
	// attempt its own copy.
	View datatypes.Context
}

// Outcome is the result of running one stage to completion.
//
// Results holds one StageResult per attempt in attempt order; the last
// one is marked Final. Output is the stage's context contribution: the
// step's fields on success, an Unknown output otherwise.
type Outcome struct {
	Results   []datatypes.StageResult
	Output    datatypes.Output
	Succeeded bool
}

// Final returns the last result.
func (o Outcome) Final() datatypes.StageResult {
	return o.Results[len(o.Results)-1]
}

// Backoff returns the delay before retry number attempt (1-based):
// min(base * 2^(attempt-1), max). No jitter, so runs are reproducible.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
		if d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Run executes a stage until success, a permanent failure, or the retry
// budget is exhausted.
//
// # Description
//
// Every attempt produces exactly one StageResult, so a stage with
// MaxRetries=2 that keeps failing transiently yields three results. When
// the budget runs out the final result is reclassified as permanent with
// reason "retries_exhausted: <last reason>".
//
// ctx bounds backoff waits. Per-attempt deadlines derive from ctx plus the
// stage timeout. Callers that must not interrupt in-flight stages pass a
// context detached from run cancellation.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	def := req.Stage
	s, required, ok := r.registry.Lookup(def.StepKind)
	if !ok {
		now := r.now()
		return r.fail(req, []datatypes.StageResult{{
			RunID:      req.RunID,
			StageID:    def.ID,
			Attempt:    1,
			Outcome:    datatypes.OutcomeFailure,
			Failure:    &datatypes.Failure{Class: datatypes.FailurePermanent, Reason: ReasonNotRegistered + ": " + def.StepKind},
			StartedAt:  now,
			FinishedAt: now,
		}})
	}

	maxAttempts := def.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var results []datatypes.StageResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		view, err := req.View.Clone()
		if err != nil {
			view = datatypes.Context{}
		}
		in := Input{
			JobID:    req.JobID,
			RunID:    req.RunID,
			StageID:  def.ID,
			StepKind: def.StepKind,
			Attempt:  attempt,
			Context:  view,
		}

		started := r.now()
		fields, failure := r.attempt(ctx, s, in, def.Timeout)
		res := datatypes.StageResult{
			RunID:      req.RunID,
			StageID:    def.ID,
			Attempt:    attempt,
			StartedAt:  started,
			FinishedAt: r.now(),
		}

		if failure == nil {
			out, err := normalize(def.StepKind, fields, required)
			if err == nil {
				res.Outcome = datatypes.OutcomeSuccess
				res.Output = &out
				res.Final = true
				results = append(results, res)
				return Outcome{Results: results, Output: out, Succeeded: true}
			}
			failure = &datatypes.Failure{Class: datatypes.FailurePermanent, Reason: ReasonNotSerializable + ": " + err.Error()}
		}

		res.Outcome = datatypes.OutcomeFailure
		res.Failure = failure
		results = append(results, res)

		if !failure.Class.Retryable() {
			return r.fail(req, results)
		}
		if attempt == maxAttempts {
			results[len(results)-1].Failure = &datatypes.Failure{
				Class:  datatypes.FailurePermanent,
				Reason: fmt.Sprintf("%s: %s", ReasonRetriesExhausted, failure.Reason),
			}
			return r.fail(req, results)
		}

		wait := Backoff(def.BackoffBase, def.BackoffMax, attempt)
		r.logger.Warn("stage attempt failed, retrying",
			slog.String("job_id", req.JobID),
			slog.String("stage", def.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("class", string(failure.Class)),
			slog.String("reason", failure.Reason),
			slog.Duration("backoff", wait),
		)
		if err := r.sleep(ctx, wait); err != nil {
			results[len(results)-1].Failure = &datatypes.Failure{
				Class:  datatypes.FailurePermanent,
				Reason: fmt.Sprintf("%s: %s", ReasonBackoffInterrupted, failure.Reason),
			}
			return r.fail(req, results)
		}
	}

	return r.fail(req, results)
}

type attemptResult struct {
	fields map[string]any
	err    error
}

// attempt runs one call of s under timeout. A call that outlives its
// deadline is abandoned; its eventual result is discarded.
func (r *Runner) attempt(ctx context.Context, s Step, in Input, timeout time.Duration) (map[string]any, *datatypes.Failure) {
	if timeout <= 0 {
		timeout = datatypes.DefaultStageTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: Permanent(fmt.Errorf("%s: %v", ReasonPanic, p))}
			}
		}()
		fields, err := s.Execute(attemptCtx, in)
		done <- attemptResult{fields: fields, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.fields, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &datatypes.Failure{
				Class:  datatypes.FailureTimeout,
				Reason: fmt.Sprintf("%s after %s: %s", ReasonAttemptTimeout, timeout, reason(res.err)),
			}
		}
		return nil, &datatypes.Failure{Class: Classify(res.err), Reason: reason(res.err)}
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &datatypes.Failure{
				Class:  datatypes.FailureTimeout,
				Reason: fmt.Sprintf("%s after %s", ReasonAttemptTimeout, timeout),
			}
		}
		return nil, &datatypes.Failure{Class: datatypes.FailurePermanent, Reason: attemptCtx.Err().Error()}
	}
}

func (r *Runner) fail(req Request, results []datatypes.StageResult) Outcome {
	results[len(results)-1].Final = true
	final := results[len(results)-1]
	r.logger.Info("stage failed",
		slog.String("job_id", req.JobID),
		slog.String("stage", req.Stage.ID),
		slog.Int("attempts", len(results)),
		slog.String("reason", final.Failure.Reason),
	)
	return Outcome{
		Results: results,
		Output:  datatypes.UnknownOutput(req.Stage.StepKind, datatypes.ReasonStageFailed),
	}
}

// normalize deep-copies fields into canonical form and fills declared
// fields the step did not produce with Unknown markers.
func normalize(kind string, fields map[string]any, required []string) (datatypes.Output, error) {
	out := datatypes.Output{Kind: kind, Fields: map[string]any{}}
	if fields != nil {
		cloned, err := datatypes.CloneValue(fields)
		if err != nil {
			return datatypes.Output{}, err
		}
		m, ok := cloned.(map[string]any)
		if !ok {
			return datatypes.Output{}, fmt.Errorf("output is not an object")
		}
		out.Fields = m
	}
	for _, name := range required {
		if _, ok := out.Fields[name]; !ok {
			out.Fields[name] = datatypes.NewUnknown(datatypes.ReasonNotProduced)
		}
	}
	return out, nil
}
