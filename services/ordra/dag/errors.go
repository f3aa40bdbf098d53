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
	"fmt"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrEmptyPipeline is returned when compiling zero stage definitions.
	ErrEmptyPipeline = errors.New("pipeline has no stages")

	// ErrInvalidDefinition is returned when a stage definition fails validation.
	ErrInvalidDefinition = errors.New("invalid stage definition")

	// ErrDuplicateStage is returned when two definitions share an id.
	ErrDuplicateStage = errors.New("duplicate stage id")

	// ErrUnknownDependency is returned when a dependency id does not resolve.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected is returned when the stage graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrStageNotFound is returned by graph lookups for unknown ids.
	ErrStageNotFound = errors.New("stage not found")
)

// CompileError describes why a set of definitions was rejected.
//
// Kind is one of the sentinel errors above and is returned by Unwrap, so
// callers can use errors.Is. For cycles, Cycle lists every stage on one
// cycle in flow order with the first stage repeated at the end.
type CompileError struct {
	Kind    error
	Stage   string
	Missing string
	Cycle   []string
	Detail  string
}

// Error returns the error message.
func (e *CompileError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("%v: %s", e.Kind, strings.Join(e.Cycle, " -> "))
	case e.Missing != "":
		return fmt.Sprintf("%v: stage %q depends on %q", e.Kind, e.Stage, e.Missing)
	case e.Stage != "" && e.Detail != "":
		return fmt.Sprintf("%v: stage %q: %s", e.Kind, e.Stage, e.Detail)
	case e.Stage != "":
		return fmt.Sprintf("%v: %q", e.Kind, e.Stage)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	default:
		return e.Kind.Error()
	}
}

// Unwrap returns the sentinel kind.
func (e *CompileError) Unwrap() error {
	return e.Kind
}

// CycleStages returns the distinct stages of a cycle error, or nil.
func (e *CompileError) CycleStages() []string {
	if len(e.Cycle) < 2 {
		return nil
	}
	out := make([]string, len(e.Cycle)-1)
	copy(out, e.Cycle[:len(e.Cycle)-1])
	return out
}
