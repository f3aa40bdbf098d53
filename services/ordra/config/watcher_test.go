// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStages = `name: small
stages:
  - id: a
    step_kind: noop
  - id: b
    step_kind: noop
    depends_on: [a]
`

const threeStages = `name: small
stages:
  - id: a
    step_kind: noop
  - id: b
    step_kind: noop
    depends_on: [a]
  - id: c
    step_kind: noop
    depends_on: [a]
`

const cyclic = `name: broken
stages:
  - id: a
    step_kind: noop
    depends_on: [b]
  - id: b
    step_kind: noop
    depends_on: [a]
`

type reloads struct {
	mu      sync.Mutex
	graphs  []*dag.Graph
	results []error
}

func (r *reloads) apply(_ *dag.Pipeline, g *dag.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs = append(r.graphs, g)
	return nil
}

func (r *reloads) result(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, err)
}

func (r *reloads) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.graphs), len(r.results)
}

func startWatcher(t *testing.T, path string, r *reloads) *PipelineWatcher {
	t.Helper()
	w, err := NewPipelineWatcher(path, r.apply,
		WithDebounce(20*time.Millisecond),
		WithWatcherLogger(logging.Nop()),
		WithReloadResult(r.result),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestPipelineWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", twoStages)
	r := &reloads{}
	startWatcher(t, path, r)

	require.NoError(t, os.WriteFile(path, []byte(threeStages), 0o644))

	require.Eventually(t, func() bool {
		n, _ := r.counts()
		return n >= 1
	}, 5*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	last := r.graphs[len(r.graphs)-1]
	r.mu.Unlock()
	assert.Equal(t, 3, last.Len())
}

func TestPipelineWatcher_RejectsInvalidPipeline(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", twoStages)
	r := &reloads{}
	startWatcher(t, path, r)

	require.NoError(t, os.WriteFile(path, []byte(cyclic), 0o644))

	require.Eventually(t, func() bool {
		_, n := r.counts()
		return n >= 1
	}, 5*time.Second, 10*time.Millisecond)

	applied, _ := r.counts()
	assert.Zero(t, applied, "a cyclic pipeline must never reach the reload func")
	r.mu.Lock()
	assert.Error(t, r.results[0])
	r.mu.Unlock()
}

func TestPipelineWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.yaml", twoStages)
	r := &reloads{}
	startWatcher(t, path, r)

	writeFile(t, dir, "other.yaml", threeStages)
	time.Sleep(150 * time.Millisecond)

	_, n := r.counts()
	assert.Zero(t, n)
}

func TestPipelineWatcher_ReloadNow(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", threeStages)
	r := &reloads{}
	w, err := NewPipelineWatcher(path, r.apply, WithWatcherLogger(logging.Nop()))
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Reload())
	n, _ := r.counts()
	assert.Equal(t, 1, n)
}

func TestNewPipelineWatcher_Validation(t *testing.T) {
	_, err := NewPipelineWatcher("", func(*dag.Pipeline, *dag.Graph) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPipelineWatcher(filepath.Join(t.TempDir(), "p.yaml"), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
