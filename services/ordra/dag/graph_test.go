// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(id string, deps ...string) datatypes.StageDefinition {
	return datatypes.StageDefinition{ID: id, StepKind: "noop", DependsOn: deps}
}

// =============================================================================
// Compile Tests
// =============================================================================

func TestCompile_Diamond(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{
		def("d", "b", "c"),
		def("b", "a"),
		def("c", "a"),
		def("a"),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, g.Layers())
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.Order())
	assert.Equal(t, []string{"b", "c"}, g.Dependencies("d"))
	assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
	assert.Equal(t, 2, g.LayerOf("d"))
	assert.Equal(t, -1, g.LayerOf("zzz"))
}

func TestCompile_LongestChainDeterminesLayer(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{
		def("a"),
		def("b", "a"),
		def("c", "b"),
		def("x", "a", "c"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, g.LayerOf("x"))
}

func TestCompile_AppliesDefaults(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{def("a")})
	require.NoError(t, err)

	d, ok := g.Stage("a")
	require.True(t, ok)
	assert.Equal(t, datatypes.DefaultStageTimeout, d.Timeout)
	assert.Equal(t, datatypes.DefaultBackoffBase, d.BackoffBase)
	assert.Equal(t, datatypes.DefaultBackoffMax, d.BackoffMax)
}

func TestCompile_Empty(t *testing.T) {
	_, err := Compile(nil)
	assert.ErrorIs(t, err, ErrEmptyPipeline)
}

func TestCompile_DuplicateID(t *testing.T) {
	_, err := Compile([]datatypes.StageDefinition{def("a"), def("a")})
	require.ErrorIs(t, err, ErrDuplicateStage)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "a", cerr.Stage)
}

func TestCompile_UnknownDependency(t *testing.T) {
	_, err := Compile([]datatypes.StageDefinition{def("a"), def("b", "ghost")})
	require.ErrorIs(t, err, ErrUnknownDependency)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "b", cerr.Stage)
	assert.Equal(t, "ghost", cerr.Missing)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompile_ThreeCycleNamesEveryStage(t *testing.T) {
	_, err := Compile([]datatypes.StageDefinition{
		def("root"),
		def("A", "C", "root"),
		def("B", "A"),
		def("C", "B"),
		def("tail", "C"),
	})
	require.ErrorIs(t, err, ErrCycleDetected)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"A", "B", "C", "A"}, cerr.Cycle)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cerr.CycleStages())
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
}

func TestCompile_SelfDependency(t *testing.T) {
	_, err := Compile([]datatypes.StageDefinition{def("a", "a")})
	require.ErrorIs(t, err, ErrCycleDetected)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"a"}, cerr.CycleStages())
}

func TestCompile_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  datatypes.StageDefinition
	}{
		{"empty id", datatypes.StageDefinition{StepKind: "x"}},
		{"reserved id", datatypes.StageDefinition{ID: datatypes.InputKey, StepKind: "x"}},
		{"dotted id", datatypes.StageDefinition{ID: "a.b", StepKind: "x"}},
		{"no step kind", datatypes.StageDefinition{ID: "a"}},
		{"negative retries", datatypes.StageDefinition{ID: "a", StepKind: "x", MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]datatypes.StageDefinition{tt.def})
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestCompile_AcceptsExactlyAcyclicResolvedGraphs(t *testing.T) {
	// Every edge set over four nodes that only points "backwards" in id
	// order is acyclic and must compile; adding the reverse edge must not.
	ids := []string{"a", "b", "c", "d"}
	for mask := 0; mask < 1<<6; mask++ {
		var defs []datatypes.StageDefinition
		deps := map[string][]string{}
		bit := 0
		for i := range ids {
			for j := 0; j < i; j++ {
				if mask&(1<<bit) != 0 {
					deps[ids[i]] = append(deps[ids[i]], ids[j])
				}
				bit++
			}
		}
		for _, id := range ids {
			defs = append(defs, def(id, deps[id]...))
		}
		_, err := Compile(defs)
		require.NoError(t, err, "mask %d", mask)

		if len(deps["d"]) > 0 {
			back := deps["d"][0]
			for i := range defs {
				if defs[i].ID == back {
					defs[i].DependsOn = append(defs[i].DependsOn, "d")
				}
			}
			_, err = Compile(defs)
			assert.ErrorIs(t, err, ErrCycleDetected, "mask %d", mask)
		}
	}
}

// =============================================================================
// Query Tests
// =============================================================================

func TestGraph_TransitiveDependents(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{
		def("a"),
		def("b", "a"),
		def("c", "a"),
		def("d", "b"),
		def("e"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "d"}, g.TransitiveDependents("b"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.TransitiveDependents("a"))
	assert.Equal(t, []string{"e"}, g.TransitiveDependents("e", "ghost"))
	assert.Empty(t, g.TransitiveDependents())
}

func TestGraph_InputsOf(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{def("a"), def("b", "a")})
	require.NoError(t, err)

	assert.Equal(t, []string{datatypes.InputKey}, g.InputsOf("a"))
	assert.Equal(t, []string{"a"}, g.InputsOf("b"))
}

func TestGraph_HashIsOrderIndependent(t *testing.T) {
	g1, err := Compile([]datatypes.StageDefinition{def("a"), def("b", "a")})
	require.NoError(t, err)
	g2, err := Compile([]datatypes.StageDefinition{def("b", "a"), def("a")})
	require.NoError(t, err)
	assert.Equal(t, g1.Hash(), g2.Hash())

	changed := def("b", "a")
	changed.MaxRetries = 3
	g3, err := Compile([]datatypes.StageDefinition{def("a"), changed})
	require.NoError(t, err)
	assert.NotEqual(t, g1.Hash(), g3.Hash())
}

func TestGraph_LayersReturnsCopy(t *testing.T) {
	g, err := Compile([]datatypes.StageDefinition{def("a"), def("b", "a")})
	require.NoError(t, err)

	layers := g.Layers()
	layers[0][0] = "mutated"
	assert.Equal(t, "a", g.Layers()[0][0])
}

// =============================================================================
// Loader Tests
// =============================================================================

const testPipelineYAML = `
name: test
defaults:
  timeout: 2s
  max_retries: 1
  backoff_base: 10ms
  backoff_max: 100ms
stages:
  - id: ingest
    step_kind: ingest
  - id: extract
    depends_on: [ingest]
    timeout: 5s
    max_retries: 0
`

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline([]byte(testPipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", p.Name)
	require.Len(t, p.Stages, 2)

	ingest := p.Stages[0]
	assert.Equal(t, 2*time.Second, ingest.Timeout)
	assert.Equal(t, 1, ingest.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, ingest.BackoffBase)

	extract := p.Stages[1]
	assert.Equal(t, "extract", extract.StepKind)
	assert.Equal(t, 5*time.Second, extract.Timeout)
	assert.Equal(t, 0, extract.MaxRetries)
	assert.Equal(t, []string{"ingest"}, extract.DependsOn)
}

func TestParsePipeline_BadDuration(t *testing.T) {
	_, err := ParsePipeline([]byte("stages:\n  - id: a\n    timeout: soon\n"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestParsePipeline_MalformedYAML(t *testing.T) {
	_, err := ParsePipeline([]byte("stages: [::"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestLoadAndCompile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPipelineYAML), 0o600))

	p, g, err := LoadAndCompile(path)
	require.NoError(t, err)
	assert.Equal(t, "test", p.Name)
	assert.Equal(t, [][]string{{"ingest"}, {"extract"}}, g.Layers())

	_, _, err = LoadAndCompile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
