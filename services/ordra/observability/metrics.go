// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the ordra service.
//
// # Description
//
// Metrics cover job runs, gate verdicts, overrides, audit appends and HTTP
// requests. The executor's per-stage latency is reported separately
// through OpenTelemetry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is safe to call on a nil *Metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ordra"

// Override outcomes.
const (
	OverrideApplied  = "applied"
	OverrideQueued   = "queued"
	OverrideRejected = "rejected"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	// RunsTotal counts finished runs.
	// Labels: trigger (submit, override), status
	RunsTotal *prometheus.CounterVec

	// VerdictsTotal counts gate verdicts.
	// Labels: decision
	VerdictsTotal *prometheus.CounterVec

	// OverridesTotal counts override submissions by outcome.
	// Labels: outcome (applied, queued, rejected)
	OverridesTotal *prometheus.CounterVec

	// RunDurationSeconds measures run wall time.
	// Labels: trigger
	RunDurationSeconds *prometheus.HistogramVec

	// AuditRecordsTotal counts appended audit records.
	AuditRecordsTotal prometheus.Counter

	// PipelineReloadsTotal counts pipeline reload attempts.
	// Labels: result (ok, error)
	PipelineReloadsTotal *prometheus.CounterVec

	// HTTPRequestsTotal counts API requests.
	// Labels: method, route, code
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDurationSeconds measures API latency.
	// Labels: method, route
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors with reg.
//
// # Limitations
//
//   - Panics if the collectors are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Finished runs by trigger and status",
		}, []string{"trigger", "status"}),

		VerdictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verdicts_total",
			Help:      "Gate verdicts by decision",
		}, []string{"decision"}),

		OverridesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "overrides_total",
			Help:      "Override submissions by outcome",
		}, []string{"outcome"}),

		RunDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Run wall time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"trigger"}),

		AuditRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audit_records_total",
			Help:      "Audit records appended",
		}),

		PipelineReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_reloads_total",
			Help:      "Pipeline reload attempts by result",
		}, []string{"result"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method, route and status code",
		}, []string{"method", "route", "code"}),

		HTTPRequestDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// DefaultMetrics is the instance registered by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the collectors with the default Prometheus
// registry. Call once at startup.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// RecordRun counts a finished run, its duration and its verdict.
func (m *Metrics) RecordRun(trigger, status, decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger, status).Inc()
	m.RunDurationSeconds.WithLabelValues(trigger).Observe(d.Seconds())
	if decision != "" {
		m.VerdictsTotal.WithLabelValues(decision).Inc()
	}
	m.AuditRecordsTotal.Inc()
}

// RecordOverride counts an override submission.
func (m *Metrics) RecordOverride(outcome string) {
	if m == nil {
		return
	}
	m.OverridesTotal.WithLabelValues(outcome).Inc()
}

// RecordReload counts a pipeline reload attempt.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PipelineReloadsTotal.WithLabelValues(result).Inc()
}

// GinMiddleware records request counts and latency per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDurationSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
