// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared data model of the ordra engine.
//
// This file contains the job context: stage outputs keyed by stage id,
// the Unknown missing-data marker, and field-path resolution.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InputKey is the reserved context key holding the intake document.
const InputKey = "input"

// InputKind is the Output.Kind of the intake document.
const InputKind = "input"

// Unknown reason codes shared by the engine.
const (
	ReasonNotProduced  = "not_produced"
	ReasonStageFailed  = "stage_failed"
	ReasonStageSkipped = "stage_skipped"
	ReasonStageMissing = "stage_missing"
	ReasonFieldMissing = "field_missing"
)

// unknownJSONKey marks an Unknown value inside serialized output fields.
const unknownJSONKey = "$unknown"

var (
	// ErrUnknownPath indicates a field path that does not resolve to an
	// existing, writable location in the context.
	ErrUnknownPath = errors.New("unknown field path")

	// ErrInvalidPath indicates a syntactically malformed field path.
	ErrInvalidPath = errors.New("invalid field path")
)

// =============================================================================
// Unknown
// =============================================================================

// Unknown is the explicit missing-data marker.
//
// It is stored inside outputs in place of a value a step could not produce
// and returned by path lookups that do not resolve. Consumers must treat
// it as "no data"; it is never a silent default.
type Unknown struct {
	Reason string `json:"reason"`
}

// NewUnknown returns an Unknown with the given reason.
func NewUnknown(reason string) Unknown {
	return Unknown{Reason: reason}
}

// String implements fmt.Stringer.
func (u Unknown) String() string {
	return "unknown(" + u.Reason + ")"
}

// MarshalJSON encodes the marker as {"$unknown": reason} so it survives
// persistence inside free-form output fields.
func (u Unknown) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{unknownJSONKey: u.Reason})
}

// UnmarshalJSON accepts both the marker form and {"reason": ...}.
func (u *Unknown) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if r, ok := m[unknownJSONKey]; ok {
		u.Reason = r
		return nil
	}
	u.Reason = m["reason"]
	return nil
}

// IsUnknown reports whether v is an Unknown marker.
func IsUnknown(v any) (Unknown, bool) {
	switch u := v.(type) {
	case Unknown:
		return u, true
	case *Unknown:
		if u != nil {
			return *u, true
		}
	}
	return Unknown{}, false
}

// =============================================================================
// Output
// =============================================================================

// Output is the tagged result of one stage.
//
// Kind names the step kind that produced it. Exactly one of Fields or
// Unknown is meaningful: failed and skipped stages contribute an Output
// whose Unknown is set.
type Output struct {
	Kind    string         `json:"kind"`
	Fields  map[string]any `json:"fields,omitempty"`
	Unknown *Unknown       `json:"unknown,omitempty"`
}

// UnknownOutput returns an Output carrying only a missing-data marker.
func UnknownOutput(kind, reason string) Output {
	u := NewUnknown(reason)
	return Output{Kind: kind, Unknown: &u}
}

// IsUnknown reports whether the whole output is missing.
func (o Output) IsUnknown() bool {
	return o.Unknown != nil
}

// UnmarshalJSON restores Unknown markers nested inside Fields.
func (o *Output) UnmarshalJSON(data []byte) error {
	type raw Output
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.Fields != nil {
		if m, ok := restoreUnknowns(r.Fields).(map[string]any); ok {
			r.Fields = m
		}
	}
	*o = Output(r)
	return nil
}

// Clone returns a deep copy in canonical JSON form (numbers as float64,
// objects as map[string]any, arrays as []any).
func (o Output) Clone() (Output, error) {
	if o.Fields == nil {
		out := o
		if o.Unknown != nil {
			u := *o.Unknown
			out.Unknown = &u
		}
		return out, nil
	}
	fields, err := CloneValue(o.Fields)
	if err != nil {
		return Output{}, err
	}
	m, ok := fields.(map[string]any)
	if !ok {
		return Output{}, fmt.Errorf("output fields of kind %q are not an object", o.Kind)
	}
	return Output{Kind: o.Kind, Fields: m}, nil
}

// =============================================================================
// Context
// =============================================================================

// Context maps stage id to that stage's output. The reserved InputKey
// entry holds the intake document.
type Context map[string]Output

// NewContext returns a context seeded with the intake document.
func NewContext(input map[string]any) (Context, error) {
	fields, err := CloneValue(input)
	if err != nil {
		return nil, fmt.Errorf("normalize input: %w", err)
	}
	m, _ := fields.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return Context{InputKey: {Kind: InputKind, Fields: m}}, nil
}

// Clone deep-copies the context.
func (c Context) Clone() (Context, error) {
	out := make(Context, len(c))
	for k, v := range c {
		cloned, err := v.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", k, err)
		}
		out[k] = cloned
	}
	return out, nil
}

// Restrict returns a deep copy holding only the named keys. Missing keys
// are filled with an Unknown output.
func (c Context) Restrict(keys []string) (Context, error) {
	out := make(Context, len(keys))
	for _, k := range keys {
		v, ok := c[k]
		if !ok {
			out[k] = UnknownOutput("", ReasonStageMissing)
			continue
		}
		cloned, err := v.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", k, err)
		}
		out[k] = cloned
	}
	return out, nil
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve looks up a dotted field path such as "map_materials.lines.0.material".
//
// # Description
//
// The first segment names a context key; remaining segments walk object
// fields and array indexes. Anything that does not resolve yields an
// Unknown value rather than a zero value, so callers can always tell
// "absent" from "empty".
//
// # Outputs
//
//   - any: The resolved value, or an Unknown marker.
func (c Context) Resolve(path string) any {
	segs, err := SplitPath(path)
	if err != nil {
		return NewUnknown(ReasonFieldMissing)
	}
	out, ok := c[segs[0]]
	if !ok {
		return NewUnknown(ReasonStageMissing)
	}
	if out.Unknown != nil {
		return *out.Unknown
	}
	var cur any = out.Fields
	if len(segs) == 1 {
		return cur
	}
	for _, seg := range segs[1:] {
		if u, ok := IsUnknown(cur); ok {
			return u
		}
		next, found := child(cur, seg)
		if !found {
			return NewUnknown(ReasonFieldMissing)
		}
		cur = next
	}
	return cur
}

// Set writes value at the dotted path.
//
// # Description
//
// The root segment must name an existing, non-Unknown output. Every
// intermediate segment must resolve to an object (or array with an in-range
// index). The final segment must name an existing object field or array
// element; Set never adds keys. Violations return ErrUnknownPath.
func (c Context) Set(path string, value any) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	out, ok := c[segs[0]]
	if !ok {
		return fmt.Errorf("%w: %s: no such stage", ErrUnknownPath, path)
	}
	if out.Unknown != nil {
		return fmt.Errorf("%w: %s: output is %s", ErrUnknownPath, path, out.Unknown)
	}
	if len(segs) == 1 {
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s: whole-output replacement requires an object", ErrUnknownPath, path)
		}
		out.Fields = m
		c[segs[0]] = out
		return nil
	}

	var cur any = out.Fields
	for i, seg := range segs[1 : len(segs)-1] {
		next, found := child(cur, seg)
		if !found {
			return fmt.Errorf("%w: %s: segment %q not found", ErrUnknownPath, path, strings.Join(segs[:i+2], "."))
		}
		if !isContainer(next) {
			return fmt.Errorf("%w: %s: segment %q is not an object", ErrUnknownPath, path, strings.Join(segs[:i+2], "."))
		}
		cur = next
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		if _, exists := node[last]; !exists {
			return fmt.Errorf("%w: %s: field %q not found", ErrUnknownPath, path, last)
		}
		node[last] = value
		return nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("%w: %s: index %q out of range", ErrUnknownPath, path, last)
		}
		node[idx] = value
		return nil
	default:
		return fmt.Errorf("%w: %s: parent is not an object", ErrUnknownPath, path)
	}
}

// SplitPath splits a dotted path into non-empty segments.
func SplitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// PathRoot returns the first segment of a dotted path.
func PathRoot(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// =============================================================================
// Value helpers
// =============================================================================

// CloneValue deep-copies v into canonical JSON form and restores Unknown
// markers.
func CloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return restoreUnknowns(out), nil
}

func child(node any, seg string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	default:
		return nil, false
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func restoreUnknowns(v any) any {
	switch n := v.(type) {
	case map[string]any:
		if len(n) == 1 {
			if r, ok := n[unknownJSONKey].(string); ok {
				return Unknown{Reason: r}
			}
		}
		for k, val := range n {
			n[k] = restoreUnknowns(val)
		}
		return n
	case []any:
		for i, val := range n {
			n[i] = restoreUnknowns(val)
		}
		return n
	default:
		return v
	}
}
