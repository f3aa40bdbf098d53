// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package step runs a single pipeline stage: one pluggable implementation
// behind a per-attempt timeout, with classified failures and bounded,
// exponentially backed-off retries.
package step

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Input is what a step sees for one attempt.
//
// Context holds only the stage's declared inputs: its dependencies'
// outputs, or the intake document for root stages. It is a private deep
// copy, so steps may not observe or affect other stages.
type Input struct {
	JobID    string
	RunID    string
	StageID  string
	StepKind string
	Attempt  int
	Context  datatypes.Context
}

// Resolve looks up a dotted path in the input context.
func (in Input) Resolve(path string) any {
	return in.Context.Resolve(path)
}

// Fields returns the fields of one upstream output, or nil when that
// output is missing or unknown.
func (in Input) Fields(key string) map[string]any {
	out, ok := in.Context[key]
	if !ok || out.IsUnknown() {
		return nil
	}
	return out.Fields
}

// Step is a pluggable stage implementation.
//
// Execute returns the stage's output fields. Failures should be wrapped
// with Transient or Permanent; unwrapped errors are permanent. Execute
// should honor ctx, but a step that ignores it is abandoned at its
// deadline.
type Step interface {
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// Func adapts a function to the Step interface.
type Func func(ctx context.Context, in Input) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in)
}

type registration struct {
	step     Step
	required []string
}

// Registry maps step kinds to implementations and their declared output
// fields.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]registration)}
}

// Register binds kind to s. required lists the top-level output fields the
// step promises; fields it fails to produce are recorded as Unknown.
func (r *Registry) Register(kind string, s Step, required ...string) error {
	if s == nil {
		return ErrNilStep
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, kind)
	}
	r.steps[kind] = registration{step: s, required: append([]string(nil), required...)}
	return nil
}

// MustRegister is Register that panics on error. For static wiring only.
func (r *Registry) MustRegister(kind string, s Step, required ...string) {
	if err := r.Register(kind, s, required...); err != nil {
		panic(err)
	}
}

// Lookup returns the step registered for kind.
func (r *Registry) Lookup(kind string) (Step, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.steps[kind]
	return reg.step, reg.required, ok
}

// Kinds returns the registered step kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.steps))
	for k := range r.steps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Check verifies that every stage of g has a registered step kind.
func (r *Registry) Check(g *dag.Graph) error {
	for _, d := range g.Stages() {
		if _, _, ok := r.Lookup(d.StepKind); !ok {
			return fmt.Errorf("%w: stage %q uses %q", ErrStepNotRegistered, d.ID, d.StepKind)
		}
	}
	return nil
}
