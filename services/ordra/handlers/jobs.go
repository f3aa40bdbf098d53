// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the ordra service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/override"
	"github.com/AleutianAI/ordra/services/ordra/service"
	"github.com/AleutianAI/ordra/services/ordra/store"
	"github.com/gin-gonic/gin"
)

// JobService is the subset of *service.Service the handlers use.
type JobService interface {
	SubmitJob(ctx context.Context, req datatypes.SubmitJobRequest) (*datatypes.Job, error)
	GetJob(ctx context.Context, id string) (*datatypes.Job, error)
	ListJobs(ctx context.Context, status datatypes.JobStatus) ([]*datatypes.Job, error)
	AuditHistory(ctx context.Context, jobID string) ([]datatypes.AuditRecord, error)
	AuditRange(ctx context.Context, from, to time.Time) ([]datatypes.AuditRecord, error)
	VerifyAudit(ctx context.Context) (audit.VerifyReport, error)
	Overrides(ctx context.Context, jobID string) ([]datatypes.Override, error)
	SubmitOverride(ctx context.Context, jobID string, req datatypes.OverrideRequest) (*service.OverrideOutcome, error)
	Graph() *dag.Graph
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// OverrideResponse is the body of an override submission.
type OverrideResponse struct {
	Override datatypes.Override     `json:"override"`
	Queued   bool                   `json:"queued"`
	Job      *datatypes.Job         `json:"job,omitempty"`
	Record   *datatypes.AuditRecord `json:"audit_record,omitempty"`
	Dirty    []string               `json:"dirty,omitempty"`
}

// PipelineResponse describes the active compiled pipeline.
type PipelineResponse struct {
	Hash   string                      `json:"hash"`
	Layers [][]string                  `json:"layers"`
	Stages []datatypes.StageDefinition `json:"stages"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// SubmitJob handles POST /v1/jobs. The job runs before the response is
// written.
func SubmitJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SubmitJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_json"})
			return
		}
		job, err := svc.SubmitJob(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		slog.Info("job submitted", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
		c.JSON(http.StatusCreated, job)
	}
}

// GetJob handles GET /v1/jobs/:id.
func GetJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListJobs handles GET /v1/jobs?status=.
func ListJobs(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := svc.ListJobs(c.Request.Context(), datatypes.JobStatus(c.Query("status")))
		if err != nil {
			writeError(c, err)
			return
		}
		if jobs == nil {
			jobs = []*datatypes.Job{}
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// GetJobAudit handles GET /v1/jobs/:id/audit.
func GetJobAudit(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := svc.AuditHistory(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": nonNil(records)})
	}
}

// ListOverrides handles GET /v1/jobs/:id/overrides.
func ListOverrides(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		overrides, err := svc.Overrides(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if overrides == nil {
			overrides = []datatypes.Override{}
		}
		c.JSON(http.StatusOK, gin.H{"overrides": overrides})
	}
}

// SubmitOverride handles POST /v1/jobs/:id/overrides.
//
// 200 with the new run when applied, 202 when queued behind an active
// run, 409 when rejected and 400 for an unknown field path.
func SubmitOverride(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_json"})
			return
		}
		out, err := svc.SubmitOverride(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := OverrideResponse{
			Override: out.Override,
			Queued:   out.Queued,
			Job:      out.Job,
			Record:   out.Record,
			Dirty:    out.Dirty,
		}
		if out.Queued {
			c.JSON(http.StatusAccepted, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// AuditRange handles GET /v1/audit?from=&to= (RFC 3339, to exclusive).
func AuditRange(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := parseTime(c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "from: " + err.Error(), Code: "invalid_time"})
			return
		}
		to, err := parseTime(c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "to: " + err.Error(), Code: "invalid_time"})
			return
		}
		records, err := svc.AuditRange(c.Request.Context(), from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": nonNil(records)})
	}
}

// VerifyAudit handles GET /v1/audit/verify. A broken chain answers 409.
func VerifyAudit(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.VerifyAudit(c.Request.Context())
		if err != nil && !errors.Is(err, audit.ErrChainBroken) {
			writeError(c, err)
			return
		}
		if !report.Valid {
			slog.Error("audit chain verification failed",
				slog.Uint64("broken_at", report.BrokenAt),
				slog.String("detail", report.Detail),
			)
			c.JSON(http.StatusConflict, report)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// GetPipeline handles GET /v1/pipeline.
func GetPipeline(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		g := svc.Graph()
		c.JSON(http.StatusOK, PipelineResponse{Hash: g.Hash(), Layers: g.Layers(), Stages: g.Stages()})
	}
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, datatypes.ErrUnknownPath), errors.Is(err, datatypes.ErrInvalidPath):
		status, code = http.StatusBadRequest, "unknown_path"
	case errors.Is(err, store.ErrJobNotFound):
		status, code = http.StatusNotFound, "job_not_found"
	case errors.Is(err, store.ErrJobExists):
		status, code = http.StatusConflict, "job_exists"
	case errors.Is(err, override.ErrOverrideRejected):
		status, code = http.StatusConflict, "override_rejected"
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nonNil(records []datatypes.AuditRecord) []datatypes.AuditRecord {
	if records == nil {
		return []datatypes.AuditRecord{}
	}
	return records
}
