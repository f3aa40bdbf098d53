// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// =============================================================================
// Pipeline Definition
// =============================================================================

// Default stage settings applied when a definition leaves them unset.
const (
	DefaultStageTimeout = 30 * time.Second
	DefaultBackoffBase  = 500 * time.Millisecond
	DefaultBackoffMax   = 30 * time.Second
)

// StageDefinition is the static description of one pipeline stage.
//
// Definitions are loaded once per compile and never mutated afterwards.
// MaxRetries counts retries after the first attempt, so MaxRetries=2 allows
// three attempts in total.
type StageDefinition struct {
	ID          string        `json:"id" yaml:"id" validate:"required,max=64"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	StepKind    string        `json:"step_kind" yaml:"step_kind" validate:"required"`
	Timeout     time.Duration `json:"timeout" yaml:"-" validate:"gte=0"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=20"`
	BackoffBase time.Duration `json:"backoff_base" yaml:"-" validate:"gte=0"`
	BackoffMax  time.Duration `json:"backoff_max" yaml:"-" validate:"gte=0"`
}

// WithDefaults returns a copy with zero timeouts and backoffs replaced by
// package defaults.
func (d StageDefinition) WithDefaults() StageDefinition {
	if d.Timeout == 0 {
		d.Timeout = DefaultStageTimeout
	}
	if d.BackoffBase == 0 {
		d.BackoffBase = DefaultBackoffBase
	}
	if d.BackoffMax == 0 {
		d.BackoffMax = DefaultBackoffMax
	}
	if len(d.DependsOn) > 0 {
		deps := make([]string, len(d.DependsOn))
		copy(deps, d.DependsOn)
		d.DependsOn = deps
	}
	return d
}

// =============================================================================
// Stage Results
// =============================================================================

// Outcome is the result category of a stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// FailureClass tells the runner whether a failure may be retried.
type FailureClass string

const (
	// FailureTransient failures are retried within the stage's budget.
	FailureTransient FailureClass = "transient"

	// FailurePermanent failures stop the stage immediately.
	FailurePermanent FailureClass = "permanent"

	// FailureTimeout marks an attempt abandoned at its deadline. Retried.
	FailureTimeout FailureClass = "timeout"
)

// Retryable reports whether the class allows another attempt.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient || c == FailureTimeout
}

// Failure describes why an attempt did not succeed.
type Failure struct {
	Class  FailureClass `json:"class"`
	Reason string       `json:"reason"`
}

// StageResult records one attempt (or the skip/carry of a stage) in a run.
//
// Results are immutable once appended to a run's history. Attempt is
// 1-based for executed attempts and 0 for skipped results. A stage that a
// run did not execute carries its prior final result as is, so its RunID
// names an earlier run.
//
// Final marks the last result of a stage within the run; its outcome is
// the stage's outcome.
type StageResult struct {
	RunID      string    `json:"run_id"`
	StageID    string    `json:"stage_id"`
	Attempt    int       `json:"attempt"`
	Outcome    Outcome   `json:"outcome"`
	Output     *Output   `json:"output,omitempty"`
	Failure    *Failure  `json:"failure,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Final      bool      `json:"final"`

	// Detail explains a skipped result, e.g. "upstream extract failure".
	Detail string `json:"detail,omitempty"`
}

// Duration returns the attempt's wall time.
func (r StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// =============================================================================
// Verdict
// =============================================================================

// Decision is the gate's routing outcome.
type Decision string

const (
	DecisionAutoPost    Decision = "AUTO_POST"
	DecisionCSReview    Decision = "CS_REVIEW"
	DecisionAskCustomer Decision = "ASK_CUSTOMER"
	DecisionHold        Decision = "HOLD"
)

// Human roles required to act on a non-automatic verdict.
const (
	RoleCS      = "CS"
	RoleFinance = "FINANCE"
)

// Rank orders decisions by strictness:
// HOLD > ASK_CUSTOMER > CS_REVIEW > AUTO_POST. Unknown decisions rank as
// HOLD so they can never weaken a verdict.
func (d Decision) Rank() int {
	switch d {
	case DecisionAutoPost:
		return 0
	case DecisionCSReview:
		return 1
	case DecisionAskCustomer:
		return 2
	default:
		return 3
	}
}

// Valid reports whether d is one of the four decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAutoPost, DecisionCSReview, DecisionAskCustomer, DecisionHold:
		return true
	}
	return false
}

// Stricter returns the stricter of a and b.
func Stricter(a, b Decision) Decision {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Reason explains one contribution to a verdict or terminal status.
type Reason struct {
	Code      string `json:"code"`
	Predicate string `json:"predicate,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Verdict is produced exactly once per completed run.
type Verdict struct {
	Decision       Decision  `json:"decision"`
	Reasons        []Reason  `json:"reasons"`
	RequiredFields []string  `json:"required_fields,omitempty"`
	RequiredRole   string    `json:"required_role,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// =============================================================================
// Job
// =============================================================================

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending        JobStatus = "PENDING"
	JobRunning        JobStatus = "RUNNING"
	JobCompleted      JobStatus = "COMPLETED"
	JobFailed         JobStatus = "FAILED"
	JobAwaitingReview JobStatus = "AWAITING_REVIEW"
)

// Terminal reports whether no further run will start without an override.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PostResult is the outcome of the side-effecting post action.
type PostResult struct {
	OrderNumber string    `json:"order_number,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
}

// Job is one intake document moving through the pipeline.
//
// Context and History reflect the latest run. Earlier runs are preserved
// only in the audit ledger.
type Job struct {
	ID               string         `json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Status           JobStatus      `json:"status"`
	Input            map[string]any `json:"input"`
	Context          Context        `json:"context"`
	History          []StageResult  `json:"history"`
	Verdict          *Verdict       `json:"verdict,omitempty"`
	Reasons          []Reason       `json:"reasons,omitempty"`
	Runs             int            `json:"runs"`
	LastRunID        string         `json:"last_run_id,omitempty"`
	GraphHash        string         `json:"graph_hash,omitempty"`
	PendingOverrides []string       `json:"pending_overrides,omitempty"`
	Post             *PostResult    `json:"post,omitempty"`
}

// FinalResults returns the final StageResult of every stage, keyed by id.
func (j *Job) FinalResults() map[string]StageResult {
	out := make(map[string]StageResult)
	for _, r := range j.History {
		if r.Final {
			out[r.StageID] = r
		}
	}
	return out
}

// =============================================================================
// Override
// =============================================================================

// Override is a human correction to a paused job. Immutable once accepted.
type Override struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Author      string         `json:"author"`
	Corrections map[string]any `json:"corrections"`
	Note        string         `json:"note,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// =============================================================================
// Audit
// =============================================================================

// RunTrigger names what started a run.
type RunTrigger string

const (
	TriggerSubmit   RunTrigger = "submit"
	TriggerOverride RunTrigger = "override"
)

// AuditRecord is the durable, append-only account of one run.
//
// Seq, RecordedAt, PrevHash and Hash are assigned by the ledger on append.
// Verdict is nil for runs aborted before the gate.
type AuditRecord struct {
	Seq        uint64        `json:"seq"`
	RunID      string        `json:"run_id"`
	JobID      string        `json:"job_id"`
	Trigger    RunTrigger    `json:"trigger"`
	GraphHash  string        `json:"graph_hash"`
	Context    Context       `json:"context"`
	Verdict    *Verdict      `json:"verdict,omitempty"`
	Status     JobStatus     `json:"status"`
	Reasons    []Reason      `json:"reasons,omitempty"`
	Results    []StageResult `json:"results"`
	OverrideID string        `json:"override_id,omitempty"`
	Post       *PostResult   `json:"post,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
	PrevHash   string        `json:"prev_hash"`
	Hash       string        `json:"hash"`
}
