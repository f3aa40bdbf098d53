// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Reason codes issued by the built-in predicates.
const (
	CodeMissingMandatoryField = "missing_mandatory_field"
	CodeUpstreamUnavailable   = "upstream_unavailable"
	CodeUnmappedMaterial      = "unmapped_material"
	CodeCreditBlocked         = "credit_blocked"
	CodeCreditUnknown         = "credit_unknown"
	CodeBelowThreshold        = "below_threshold"
	CodeValueMismatch         = "value_mismatch"
)

// wildcard expands over every element of an array in a field path.
const wildcard = "*"

// base holds the fields shared by the built-in predicates.
type base struct {
	name      string
	mandatory bool
}

func (b base) Name() string    { return b.name }
func (b base) Mandatory() bool { return b.mandatory }

// =============================================================================
// RequiredFields
// =============================================================================

// RequiredFields checks that every path resolves to a non-empty value.
//
// Paths may contain "*" to cover every array element, for example
// "extract.lines.*.qty". A field the document lacks yields Decision
// (default ASK_CUSTOMER). A field that is unknown because an upstream stage
// failed or was skipped yields CS_REVIEW, since asking the customer cannot
// fix it.
type RequiredFields struct {
	base
	Paths    []string
	Decision datatypes.Decision
	Code     string
}

// NewRequiredFields creates a RequiredFields predicate with default
// decision ASK_CUSTOMER and code missing_mandatory_field.
func NewRequiredFields(name string, mandatory bool, paths ...string) *RequiredFields {
	return &RequiredFields{
		base:     base{name: name, mandatory: mandatory},
		Paths:    paths,
		Decision: datatypes.DecisionAskCustomer,
		Code:     CodeMissingMandatoryField,
	}
}

// Evaluate implements Predicate.
func (p *RequiredFields) Evaluate(ctx datatypes.Context) (Candidate, error) {
	cand := Pass()
	for _, path := range p.Paths {
		for _, hit := range expand(ctx, path) {
			if u, ok := datatypes.IsUnknown(hit.value); ok && upstreamReason(u.Reason) {
				cand.Decision = datatypes.Stricter(cand.Decision, datatypes.DecisionCSReview)
				cand.Reasons = append(cand.Reasons, datatypes.Reason{
					Code:   CodeUpstreamUnavailable,
					Detail: fmt.Sprintf("%s: %s", hit.path, u.Reason),
				})
				continue
			}
			if isEmpty(hit.value) {
				cand.Decision = datatypes.Stricter(cand.Decision, p.Decision)
				cand.Reasons = append(cand.Reasons, datatypes.Reason{Code: p.Code, Detail: hit.path})
				cand.RequiredFields = append(cand.RequiredFields, hit.path)
			}
		}
	}
	return cand, nil
}

// =============================================================================
// Mapping
// =============================================================================

// Mapping checks that every element of an array carries a resolved value
// in Field. Unresolved elements yield CS_REVIEW / unmapped_material.
type Mapping struct {
	base
	Path  string
	Field string
	Label string
}

// NewMapping creates a Mapping predicate. label names an element field
// quoted in reasons (for example the customer's material number).
func NewMapping(name string, mandatory bool, path, field, label string) *Mapping {
	return &Mapping{base: base{name: name, mandatory: mandatory}, Path: path, Field: field, Label: label}
}

// Evaluate implements Predicate.
func (p *Mapping) Evaluate(ctx datatypes.Context) (Candidate, error) {
	v := ctx.Resolve(p.Path)
	if u, ok := datatypes.IsUnknown(v); ok {
		return Candidate{
			Decision: datatypes.DecisionCSReview,
			Reasons:  []datatypes.Reason{{Code: CodeUpstreamUnavailable, Detail: fmt.Sprintf("%s: %s", p.Path, u.Reason)}},
		}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return Candidate{}, fmt.Errorf("%s is %T, want array", p.Path, v)
	}

	cand := Pass()
	for i, item := range items {
		obj, _ := item.(map[string]any)
		val := any(datatypes.NewUnknown(datatypes.ReasonFieldMissing))
		if obj != nil {
			if fv, ok := obj[p.Field]; ok {
				val = fv
			}
		}
		if !isEmpty(val) {
			continue
		}
		detail := fmt.Sprintf("%s.%d.%s", p.Path, i, p.Field)
		if p.Label != "" && obj != nil {
			if label, ok := obj[p.Label]; ok {
				detail = fmt.Sprintf("%s (%v)", detail, label)
			}
		}
		cand.Decision = datatypes.DecisionCSReview
		cand.Reasons = append(cand.Reasons, datatypes.Reason{Code: CodeUnmappedMaterial, Detail: detail})
		cand.RequiredFields = append(cand.RequiredFields, fmt.Sprintf("%s.%d.%s", p.Path, i, p.Field))
	}
	return cand, nil
}

// =============================================================================
// Credit
// =============================================================================

// Credit statuses understood by the Credit predicate.
const (
	CreditOK      = "ok"
	CreditBlocked = "blocked"
)

// Credit maps a credit status to a decision: "ok" passes, "blocked" is
// HOLD for FINANCE, anything else (including unknown) is CS_REVIEW.
type Credit struct {
	base
	Path string
}

// NewCredit creates a Credit predicate.
func NewCredit(name string, mandatory bool, path string) *Credit {
	return &Credit{base: base{name: name, mandatory: mandatory}, Path: path}
}

// Evaluate implements Predicate.
func (p *Credit) Evaluate(ctx datatypes.Context) (Candidate, error) {
	v := ctx.Resolve(p.Path)
	if u, ok := datatypes.IsUnknown(v); ok {
		return Candidate{
			Decision: datatypes.DecisionCSReview,
			Reasons:  []datatypes.Reason{{Code: CodeCreditUnknown, Detail: u.Reason}},
		}, nil
	}
	switch s, _ := v.(string); strings.ToLower(s) {
	case CreditOK:
		return Pass(), nil
	case CreditBlocked:
		detail := "credit check blocked the order"
		if r, ok := ctx.Resolve(parentPath(p.Path) + ".reason").(string); ok && r != "" {
			detail = r
		}
		return Candidate{
			Decision: datatypes.DecisionHold,
			Reasons:  []datatypes.Reason{{Code: CodeCreditBlocked, Detail: detail}},
			Role:     datatypes.RoleFinance,
		}, nil
	default:
		return Candidate{
			Decision: datatypes.DecisionCSReview,
			Reasons:  []datatypes.Reason{{Code: CodeCreditUnknown, Detail: fmt.Sprintf("status %v", v)}},
		}, nil
	}
}

// =============================================================================
// Threshold
// =============================================================================

// Threshold requires a numeric value at Path to be at least Min. A lower or
// unknown value yields Decision with Code.
type Threshold struct {
	base
	Path     string
	Min      float64
	Decision datatypes.Decision
	Code     string
}

// NewThreshold creates a Threshold predicate.
func NewThreshold(name string, mandatory bool, path string, min float64, decision datatypes.Decision, code string) *Threshold {
	if code == "" {
		code = CodeBelowThreshold
	}
	return &Threshold{base: base{name: name, mandatory: mandatory}, Path: path, Min: min, Decision: decision, Code: code}
}

// Evaluate implements Predicate.
func (p *Threshold) Evaluate(ctx datatypes.Context) (Candidate, error) {
	v := ctx.Resolve(p.Path)
	if u, ok := datatypes.IsUnknown(v); ok {
		return Candidate{
			Decision: p.Decision,
			Reasons:  []datatypes.Reason{{Code: p.Code, Detail: fmt.Sprintf("%s: %s", p.Path, u.Reason)}},
		}, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return Candidate{}, fmt.Errorf("%s is %T, want number", p.Path, v)
	}
	if f >= p.Min {
		return Pass(), nil
	}
	return Candidate{
		Decision: p.Decision,
		Reasons:  []datatypes.Reason{{Code: p.Code, Detail: fmt.Sprintf("%s=%g < %g", p.Path, f, p.Min)}},
	}, nil
}

// =============================================================================
// Equals
// =============================================================================

// Equals requires the value at Path to equal Value (compared in string
// form). Anything else, including unknown, yields Decision with Code.
type Equals struct {
	base
	Path     string
	Value    any
	Decision datatypes.Decision
	Code     string
}

// NewEquals creates an Equals predicate.
func NewEquals(name string, mandatory bool, path string, value any, decision datatypes.Decision, code string) *Equals {
	if code == "" {
		code = CodeValueMismatch
	}
	return &Equals{base: base{name: name, mandatory: mandatory}, Path: path, Value: value, Decision: decision, Code: code}
}

// Evaluate implements Predicate.
func (p *Equals) Evaluate(ctx datatypes.Context) (Candidate, error) {
	v := ctx.Resolve(p.Path)
	if _, ok := datatypes.IsUnknown(v); !ok && fmt.Sprint(v) == fmt.Sprint(p.Value) {
		return Pass(), nil
	}
	return Candidate{
		Decision: p.Decision,
		Reasons:  []datatypes.Reason{{Code: p.Code, Detail: fmt.Sprintf("%s=%v", p.Path, v)}},
	}, nil
}

// =============================================================================
// Allowlists
// =============================================================================

// AllowEntry requires the value at Path to be one of Values.
type AllowEntry struct {
	Path   string
	Values []string
	Code   string
}

// FieldAllowlist accepts a context only if every entry matches.
type FieldAllowlist struct {
	Entries []AllowEntry
}

// Allow implements Allowlist.
func (a *FieldAllowlist) Allow(ctx datatypes.Context) (bool, []datatypes.Reason, error) {
	if len(a.Entries) == 0 {
		return false, []datatypes.Reason{{Code: CodeNotAllowlisted, Predicate: "allowlist", Detail: "allowlist is empty"}}, nil
	}
	ok := true
	var reasons []datatypes.Reason
	for _, e := range a.Entries {
		v := ctx.Resolve(e.Path)
		if matchesAny(v, e.Values) {
			continue
		}
		ok = false
		code := e.Code
		if code == "" {
			code = CodeNotAllowlisted
		}
		reasons = append(reasons, datatypes.Reason{Code: code, Predicate: "allowlist", Detail: fmt.Sprintf("%s=%v", e.Path, v)})
	}
	return ok, reasons, nil
}

// AllowFunc adapts a function to the Allowlist interface.
type AllowFunc func(ctx datatypes.Context) (bool, []datatypes.Reason, error)

// Allow calls f.
func (f AllowFunc) Allow(ctx datatypes.Context) (bool, []datatypes.Reason, error) {
	return f(ctx)
}

// =============================================================================
// Helpers
// =============================================================================

type pathHit struct {
	path  string
	value any
}

// expand resolves a path that may contain "*" segments into concrete
// paths and values. A wildcard over an empty or non-array value yields a
// single hit carrying that value.
func expand(ctx datatypes.Context, path string) []pathHit {
	segs := strings.Split(path, ".")
	star := -1
	for i, s := range segs {
		if s == wildcard {
			star = i
			break
		}
	}
	if star < 0 {
		return []pathHit{{path: path, value: ctx.Resolve(path)}}
	}
	prefix := strings.Join(segs[:star], ".")
	rest := strings.Join(segs[star+1:], ".")
	v := ctx.Resolve(prefix)
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		if _, unknown := datatypes.IsUnknown(v); unknown {
			return []pathHit{{path: prefix, value: v}}
		}
		return []pathHit{{path: prefix, value: nil}}
	}
	var hits []pathHit
	for i := range items {
		concrete := prefix + "." + strconv.Itoa(i)
		if rest != "" {
			concrete += "." + rest
		}
		hits = append(hits, expand(ctx, concrete)...)
	}
	return hits
}

func upstreamReason(reason string) bool {
	switch reason {
	case datatypes.ReasonStageFailed, datatypes.ReasonStageSkipped, datatypes.ReasonStageMissing:
		return true
	}
	return false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := datatypes.IsUnknown(v); ok {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func matchesAny(v any, values []string) bool {
	if _, unknown := datatypes.IsUnknown(v); unknown || v == nil {
		return false
	}
	s := fmt.Sprint(v)
	for _, want := range values {
		if s == want {
			return true
		}
	}
	return false
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
