// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag compiles pipeline stage definitions into an immutable,
// layered execution graph.
//
// # Overview
//
// Compile validates a set of StageDefinitions and produces a Graph:
//
//	graph, err := dag.Compile(defs)
//	if err != nil {
//	    var cerr *dag.CompileError
//	    if errors.As(err, &cerr) && errors.Is(err, dag.ErrCycleDetected) {
//	        log.Printf("cycle: %v", cerr.Cycle)
//	    }
//	}
//	for i, layer := range graph.Layers() {
//	    fmt.Println(i, layer)
//	}
//
// Layer k holds the stages whose longest dependency chain has length k.
// Stages within a layer are independent and may run concurrently.
//
// # Thread Safety
//
// A Graph is immutable after Compile and safe for concurrent use.
package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Graph is a compiled, acyclic pipeline.
type Graph struct {
	stages     map[string]datatypes.StageDefinition
	deps       map[string][]string
	dependents map[string][]string
	layers     [][]string
	layerOf    map[string]int
	order      []string
	hash       string
}

// Compile validates definitions and builds an immutable Graph.
//
// # Description
//
// Validation runs in a fixed order so the reported error is deterministic
// regardless of definition order:
//
//  1. At least one definition.
//  2. Each definition passes struct validation and does not use a
//     reserved id.
//  3. No two definitions share an id.
//  4. Every dependency resolves to a defined stage.
//  5. The graph is acyclic (Kahn's algorithm over sorted ids).
//
// Zero timeouts and backoffs are replaced with package defaults.
//
// # Outputs
//
//   - *Graph: The compiled graph.
//   - error: A *CompileError wrapping one of the sentinel kinds.
func Compile(defs []datatypes.StageDefinition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, &CompileError{Kind: ErrEmptyPipeline}
	}

	g := &Graph{
		stages:     make(map[string]datatypes.StageDefinition, len(defs)),
		deps:       make(map[string][]string, len(defs)),
		dependents: make(map[string][]string, len(defs)),
		layerOf:    make(map[string]int, len(defs)),
	}

	for _, d := range defs {
		if d.ID == datatypes.InputKey {
			return nil, &CompileError{Kind: ErrInvalidDefinition, Stage: d.ID, Detail: "id is reserved"}
		}
		if strings.Contains(d.ID, ".") {
			return nil, &CompileError{Kind: ErrInvalidDefinition, Stage: d.ID, Detail: "id must not contain '.'"}
		}
		if err := datatypes.ValidateStage(d); err != nil {
			return nil, &CompileError{Kind: ErrInvalidDefinition, Stage: d.ID, Detail: err.Error()}
		}
		if _, exists := g.stages[d.ID]; exists {
			return nil, &CompileError{Kind: ErrDuplicateStage, Stage: d.ID}
		}
		g.stages[d.ID] = d.WithDefaults()
	}

	ids := sortedKeys(g.stages)
	for _, id := range ids {
		seen := make(map[string]bool)
		var deps []string
		for _, dep := range g.stages[id].DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if dep == id {
				return nil, &CompileError{Kind: ErrCycleDetected, Cycle: []string{id, id}}
			}
			if _, ok := g.stages[dep]; !ok {
				return nil, &CompileError{Kind: ErrUnknownDependency, Stage: id, Missing: dep}
			}
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		g.deps[id] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if err := g.layer(ids); err != nil {
		return nil, err
	}
	g.hash = computeHash(ids, g.stages, g.deps)
	return g, nil
}

// layer runs Kahn's algorithm and assigns each stage its layer index.
func (g *Graph) layer(ids []string) error {
	indegree := make(map[string]int, len(ids))
	var ready []string
	for _, id := range ids {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	processed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		processed++

		level := 0
		for _, dep := range g.deps[id] {
			if l := g.layerOf[dep] + 1; l > level {
				level = l
			}
		}
		g.layerOf[id] = level
		for len(g.layers) <= level {
			g.layers = append(g.layers, nil)
		}
		g.layers[level] = append(g.layers[level], id)

		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if processed < len(ids) {
		return &CompileError{Kind: ErrCycleDetected, Cycle: g.findCycle(indegree)}
	}

	for _, layer := range g.layers {
		sort.Strings(layer)
		g.order = append(g.order, layer...)
	}
	return nil
}

// findCycle returns one cycle among the stages Kahn's algorithm could not
// process, in flow order, starting at its smallest id and closed by
// repeating that id.
//
// Every unprocessed stage has at least one unprocessed dependency, so
// walking dependencies from any of them must revisit a stage.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var remaining []string
	for id, n := range indegree {
		if n > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	blocked := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		blocked[id] = true
	}

	pos := make(map[string]int)
	var path []string
	cur := remaining[0]
	for {
		if i, seen := pos[cur]; seen {
			path = path[i:]
			break
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, dep := range g.deps[cur] {
			if blocked[dep] {
				cur = dep
				break
			}
		}
	}

	// path follows dependencies; reverse into flow order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	minIdx := 0
	for i, id := range path {
		if id < path[minIdx] {
			minIdx = i
		}
	}
	cycle := append(append([]string{}, path[minIdx:]...), path[:minIdx]...)
	return append(cycle, cycle[0])
}

// =============================================================================
// Queries
// =============================================================================

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.stages)
}

// Hash returns a stable digest of the compiled definitions. It does not
// depend on definition order.
func (g *Graph) Hash() string {
	return g.hash
}

// Layers returns a copy of the execution layers.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// LayerOf returns the layer index of a stage, or -1.
func (g *Graph) LayerOf(id string) int {
	if l, ok := g.layerOf[id]; ok {
		return l
	}
	return -1
}

// Order returns all stage ids in execution order (layer, then id).
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Stage returns the definition of a stage.
func (g *Graph) Stage(id string) (datatypes.StageDefinition, bool) {
	d, ok := g.stages[id]
	return d, ok
}

// Stages returns every definition in execution order.
func (g *Graph) Stages() []datatypes.StageDefinition {
	out := make([]datatypes.StageDefinition, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

// Has reports whether id names a stage.
func (g *Graph) Has(id string) bool {
	_, ok := g.stages[id]
	return ok
}

// Dependencies returns the direct dependencies of a stage, sorted.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the stages that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// InputsOf returns the context keys a stage may read: its dependencies,
// or the intake document for root stages.
func (g *Graph) InputsOf(id string) []string {
	if deps := g.deps[id]; len(deps) > 0 {
		return append([]string(nil), deps...)
	}
	return []string{datatypes.InputKey}
}

// TransitiveDependents returns ids plus every stage downstream of them,
// in execution order. Unknown ids are ignored.
func (g *Graph) TransitiveDependents(ids ...string) []string {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if g.Has(id) && !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func sortedKeys(m map[string]datatypes.StageDefinition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func computeHash(ids []string, stages map[string]datatypes.StageDefinition, deps map[string][]string) string {
	h := sha256.New()
	for _, id := range ids {
		d := stages[id]
		fmt.Fprintf(h, "%s|%s|%s|%d|%d|%d|%d\n",
			id, d.StepKind, strings.Join(deps[id], ","),
			d.Timeout, d.MaxRetries, d.BackoffBase, d.BackoffMax)
	}
	return hex.EncodeToString(h.Sum(nil))
}
