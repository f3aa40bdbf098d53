// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate implements the decision gate that routes a finished run to
// AUTO_POST, HOLD, CS_REVIEW or ASK_CUSTOMER.
//
// # Guarantees
//
// The gate is the only path to the side-effecting post action, and it is
// deterministic and free of I/O:
//
//   - AUTO_POST is issued only if every mandatory predicate passed AND the
//     allowlist accepted the context.
//   - The final decision is the strictest candidate under
//     HOLD > ASK_CUSTOMER > CS_REVIEW > AUTO_POST, regardless of predicate
//     order.
//   - A predicate that errors or panics forces HOLD.
//
// A Gate cannot be constructed without at least one mandatory predicate
// and an allowlist.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Reason codes issued by the gate itself.
const (
	CodeEvaluationError  = "gate_evaluation_error"
	CodeInvalidCandidate = "invalid_candidate"
	CodeNotAllowlisted   = "not_allowlisted"
	CodeNotEligible      = "auto_post_not_eligible"
)

// Sentinel errors for gate construction.
var (
	// ErrNoMandatoryPredicate is returned when a gate has no mandatory predicate.
	ErrNoMandatoryPredicate = errors.New("gate requires at least one mandatory predicate")

	// ErrNoAllowlist is returned when a gate has no allowlist.
	ErrNoAllowlist = errors.New("gate requires an allowlist")

	// ErrDuplicatePredicate is returned when two predicates share a name.
	ErrDuplicatePredicate = errors.New("duplicate predicate name")

	// ErrInvalidPolicy is returned when a policy document is malformed.
	ErrInvalidPolicy = errors.New("invalid gate policy")
)

// Candidate is one predicate's contribution to the verdict.
//
// A passing predicate returns Pass(); anything else names the decision it
// requires and why.
type Candidate struct {
	Decision       datatypes.Decision
	Reasons        []datatypes.Reason
	RequiredFields []string
	Role           string
}

// Pass returns the candidate of a satisfied predicate.
func Pass() Candidate {
	return Candidate{Decision: datatypes.DecisionAutoPost}
}

// Passed reports whether the candidate allows automatic posting.
func (c Candidate) Passed() bool {
	return c.Decision == datatypes.DecisionAutoPost
}

// Predicate is a guardrail evaluated over the run's aggregated context.
//
// Evaluate must be pure: no I/O, no mutation of ctx.
type Predicate interface {
	Name() string
	Mandatory() bool
	Evaluate(ctx datatypes.Context) (Candidate, error)
}

// Allowlist is the explicit final check for AUTO_POST eligibility.
type Allowlist interface {
	Allow(ctx datatypes.Context) (bool, []datatypes.Reason, error)
}

// Gate evaluates predicates and an allowlist into a Verdict.
//
// # Thread Safety
//
// Immutable after New; safe for concurrent use.
type Gate struct {
	predicates []Predicate
	allowlist  Allowlist
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now for Verdict.EvaluatedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New builds a gate from ordered predicates and an allowlist.
func New(predicates []Predicate, allowlist Allowlist, opts ...Option) (*Gate, error) {
	if allowlist == nil {
		return nil, ErrNoAllowlist
	}
	names := make(map[string]bool, len(predicates))
	mandatory := 0
	for _, p := range predicates {
		if p == nil {
			return nil, fmt.Errorf("%w: nil predicate", ErrInvalidPolicy)
		}
		if names[p.Name()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePredicate, p.Name())
		}
		names[p.Name()] = true
		if p.Mandatory() {
			mandatory++
		}
	}
	if mandatory == 0 {
		return nil, ErrNoMandatoryPredicate
	}

	g := &Gate{
		predicates: append([]Predicate(nil), predicates...),
		allowlist:  allowlist,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Predicates returns the predicate names in evaluation order.
func (g *Gate) Predicates() []string {
	out := make([]string, len(g.predicates))
	for i, p := range g.predicates {
		out[i] = p.Name()
	}
	return out
}

// Evaluate produces the verdict for ctx.
//
// # Description
//
// Every predicate is evaluated in order, then the allowlist. Reasons are
// reported in that same order. The decision is the strictest candidate.
// AUTO_POST additionally requires all mandatory predicates to have passed
// and the allowlist to have accepted; otherwise the verdict is at least
// CS_REVIEW.
//
// The required human role is taken from the first reason source whose
// decision equals the final decision, defaulting to CS.
func (g *Gate) Evaluate(ctx datatypes.Context) datatypes.Verdict {
	decision := datatypes.DecisionAutoPost
	var reasons []datatypes.Reason
	var required []string
	var roles []roleCandidate
	mandatoryPassed := true

	for _, p := range g.predicates {
		cand, err := safeEvaluate(p, ctx)
		if err == nil && !cand.Decision.Valid() {
			err = fmt.Errorf("%s: %q", CodeInvalidCandidate, cand.Decision)
		}
		if err != nil {
			cand = Candidate{
				Decision: datatypes.DecisionHold,
				Reasons: []datatypes.Reason{{
					Code:      CodeEvaluationError,
					Predicate: p.Name(),
					Detail:    err.Error(),
				}},
			}
		}
		if cand.Passed() {
			continue
		}
		if p.Mandatory() {
			mandatoryPassed = false
		}
		decision = datatypes.Stricter(decision, cand.Decision)
		for _, r := range cand.Reasons {
			if r.Predicate == "" {
				r.Predicate = p.Name()
			}
			reasons = append(reasons, r)
		}
		if len(cand.Reasons) == 0 {
			reasons = append(reasons, datatypes.Reason{Code: string(cand.Decision), Predicate: p.Name()})
		}
		required = appendUnique(required, cand.RequiredFields...)
		roles = append(roles, roleCandidate{cand.Decision, cand.Role})
	}

	allowed, allowReasons, err := safeAllow(g.allowlist, ctx)
	switch {
	case err != nil:
		decision = datatypes.DecisionHold
		reasons = append(reasons, datatypes.Reason{Code: CodeEvaluationError, Predicate: "allowlist", Detail: err.Error()})
		roles = append(roles, roleCandidate{decision: datatypes.DecisionHold})
	case !allowed:
		decision = datatypes.Stricter(decision, datatypes.DecisionCSReview)
		if len(allowReasons) == 0 {
			allowReasons = []datatypes.Reason{{Code: CodeNotAllowlisted, Predicate: "allowlist"}}
		}
		reasons = append(reasons, allowReasons...)
		roles = append(roles, roleCandidate{decision: datatypes.DecisionCSReview})
	}

	if decision == datatypes.DecisionAutoPost && !(mandatoryPassed && allowed && err == nil) {
		decision = datatypes.DecisionCSReview
		reasons = append(reasons, datatypes.Reason{Code: CodeNotEligible})
	}

	v := datatypes.Verdict{
		Decision:       decision,
		Reasons:        reasons,
		RequiredFields: required,
		EvaluatedAt:    g.now().UTC(),
	}
	if v.Reasons == nil {
		v.Reasons = []datatypes.Reason{}
	}
	if decision != datatypes.DecisionAutoPost {
		v.RequiredRole = datatypes.RoleCS
		for _, rc := range roles {
			if rc.decision == decision && rc.role != "" {
				v.RequiredRole = rc.role
				break
			}
		}
	}
	return v
}

type roleCandidate struct {
	decision datatypes.Decision
	role     string
}

func safeEvaluate(p Predicate, ctx datatypes.Context) (cand Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return p.Evaluate(ctx)
}

func safeAllow(a Allowlist, ctx datatypes.Context) (ok bool, reasons []datatypes.Reason, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, reasons, err = false, nil, fmt.Errorf("allowlist panicked: %v", r)
		}
	}()
	return a.Allow(ctx)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
