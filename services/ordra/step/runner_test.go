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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures requested backoffs without waiting.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func newTestRunner(t *testing.T, kind string, s Step, required ...string) (*Runner, *recordingSleeper) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(kind, s, required...))
	sleeper := &recordingSleeper{}
	return NewRunner(reg, WithLogger(logging.Nop()), WithSleeper(sleeper.Sleep)), sleeper
}

func stage(kind string, retries int) datatypes.StageDefinition {
	return datatypes.StageDefinition{
		ID:          "s1",
		StepKind:    kind,
		Timeout:     time.Second,
		MaxRetries:  retries,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  250 * time.Millisecond,
	}
}

func TestRunner_Success(t *testing.T) {
	r, _ := newTestRunner(t, "echo", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		return map[string]any{"po": in.Resolve("input.po"), "count": 3}, nil
	}))
	view, err := datatypes.NewContext(map[string]any{"po": "PO-9"})
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{JobID: "j", RunID: "r", Stage: stage("echo", 0), View: view})

	require.True(t, out.Succeeded)
	require.Len(t, out.Results, 1)
	res := out.Final()
	assert.Equal(t, datatypes.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempt)
	assert.True(t, res.Final)
	assert.Equal(t, "PO-9", out.Output.Fields["po"])
	assert.Equal(t, float64(3), out.Output.Fields["count"])
	assert.Equal(t, "echo", out.Output.Kind)
}

func TestRunner_RetryBound(t *testing.T) {
	var calls atomic.Int32
	r, sleeper := newTestRunner(t, "flaky", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		calls.Add(1)
		return nil, Transientf("upstream busy")
	}))

	out := r.Run(context.Background(), Request{Stage: stage("flaky", 2)})

	assert.False(t, out.Succeeded)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, out.Results, 3)
	for i, res := range out.Results {
		assert.Equal(t, i+1, res.Attempt)
		assert.Equal(t, datatypes.OutcomeFailure, res.Outcome)
		assert.Equal(t, i == 2, res.Final)
	}
	assert.Equal(t, datatypes.FailureTransient, out.Results[0].Failure.Class)
	final := out.Final()
	assert.Equal(t, datatypes.FailurePermanent, final.Failure.Class)
	assert.True(t, strings.HasPrefix(final.Failure.Reason, ReasonRetriesExhausted))
	assert.True(t, out.Output.IsUnknown())
	assert.Equal(t, datatypes.ReasonStageFailed, out.Output.Unknown.Reason)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.waits)
}

func TestRunner_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRunner(t, "flaky", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		if calls.Add(1) < 2 {
			return nil, Transient(errors.New("blip"))
		}
		return map[string]any{"ok": true}, nil
	}))

	out := r.Run(context.Background(), Request{Stage: stage("flaky", 3)})

	require.True(t, out.Succeeded)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "blip", out.Results[0].Failure.Reason)
	assert.False(t, out.Results[0].Final)
	assert.True(t, out.Results[1].Final)
}

func TestRunner_PermanentStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	r, sleeper := newTestRunner(t, "bad", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		calls.Add(1)
		return nil, Permanentf("invalid document")
	}))

	out := r.Run(context.Background(), Request{Stage: stage("bad", 5)})

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, out.Results, 1)
	assert.Equal(t, datatypes.FailurePermanent, out.Final().Failure.Class)
	assert.Equal(t, "invalid document", out.Final().Failure.Reason)
	assert.Empty(t, sleeper.waits)
}

func TestRunner_UnclassifiedErrorIsPermanent(t *testing.T) {
	r, _ := newTestRunner(t, "plain", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	out := r.Run(context.Background(), Request{Stage: stage("plain", 3)})
	require.Len(t, out.Results, 1)
	assert.Equal(t, datatypes.FailurePermanent, out.Final().Failure.Class)
}

func TestRunner_TimeoutAbandonsAttempt(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r, _ := newTestRunner(t, "stuck", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		<-release // ignores ctx on purpose
		return map[string]any{}, nil
	}))

	def := stage("stuck", 1)
	def.Timeout = 20 * time.Millisecond
	start := time.Now()
	out := r.Run(context.Background(), Request{Stage: def})

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, out.Results, 2)
	assert.Equal(t, datatypes.FailureTimeout, out.Results[0].Failure.Class)
	assert.Contains(t, out.Results[0].Failure.Reason, ReasonAttemptTimeout)
	assert.Equal(t, datatypes.FailurePermanent, out.Final().Failure.Class)
}

func TestRunner_PanicIsPermanent(t *testing.T) {
	r, _ := newTestRunner(t, "panicky", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		panic("nil map")
	}))
	out := r.Run(context.Background(), Request{Stage: stage("panicky", 2)})
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Final().Failure.Reason, ReasonPanic)
}

func TestRunner_UnregisteredKind(t *testing.T) {
	r := NewRunner(NewRegistry(), WithLogger(logging.Nop()))
	out := r.Run(context.Background(), Request{Stage: stage("ghost", 2)})
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Final().Failure.Reason, ReasonNotRegistered)
	assert.True(t, out.Final().Final)
}

func TestRunner_MissingDeclaredFieldsBecomeUnknown(t *testing.T) {
	r, _ := newTestRunner(t, "partial", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		return map[string]any{"customer_id": "C-1"}, nil
	}), "customer_id", "trust_tier")

	out := r.Run(context.Background(), Request{Stage: stage("partial", 0)})

	require.True(t, out.Succeeded)
	assert.Equal(t, "C-1", out.Output.Fields["customer_id"])
	assert.Equal(t, datatypes.NewUnknown(datatypes.ReasonNotProduced), out.Output.Fields["trust_tier"])
}

func TestRunner_StepCannotMutateView(t *testing.T) {
	r, _ := newTestRunner(t, "mutator", Func(func(ctx context.Context, in Input) (map[string]any, error) {
		_ = in.Context.Set("input.po", "HACKED")
		return map[string]any{}, nil
	}))
	view, err := datatypes.NewContext(map[string]any{"po": "PO-1"})
	require.NoError(t, err)

	r.Run(context.Background(), Request{Stage: stage("mutator", 0), View: view})

	assert.Equal(t, "PO-1", view.Resolve("input.po"))
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, Backoff(base, max, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(base, max, 2))
	assert.Equal(t, 400*time.Millisecond, Backoff(base, max, 3))
	assert.Equal(t, time.Second, Backoff(base, max, 5))
	assert.Equal(t, time.Second, Backoff(base, max, 500))
	assert.Equal(t, time.Duration(0), Backoff(0, max, 2))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, datatypes.FailureTransient, Classify(Transientf("x")))
	assert.Equal(t, datatypes.FailurePermanent, Classify(errors.New("x")))
	assert.Equal(t, datatypes.FailureTimeout, Classify(context.DeadlineExceeded))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := Func(func(ctx context.Context, in Input) (map[string]any, error) { return nil, nil })

	require.NoError(t, reg.Register("a", noop))
	assert.ErrorIs(t, reg.Register("a", noop), ErrDuplicateStep)
	assert.ErrorIs(t, reg.Register("b", nil), ErrNilStep)
	assert.Equal(t, []string{"a"}, reg.Kinds())

	g, err := dag.Compile([]datatypes.StageDefinition{
		{ID: "one", StepKind: "a"},
		{ID: "two", StepKind: "missing", DependsOn: []string{"one"}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Check(g), ErrStepNotRegistered)
}
