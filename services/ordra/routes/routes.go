// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/ordra/services/ordra/handlers"
	"github.com/AleutianAI/ordra/services/ordra/observability"
	"github.com/AleutianAI/ordra/services/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// TraceHeader is the response header carrying the request's trace ID.
const TraceHeader = "X-Trace-ID"

// SetupRoutes registers the ordra API on router. metrics may be nil.
func SetupRoutes(router *gin.Engine, svc handlers.JobService, metrics *observability.Metrics) {
	router.Use(otelgin.Middleware("ordra"), traceHeader(), metrics.GinMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/pipeline", handlers.GetPipeline(svc))

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", handlers.SubmitJob(svc))
			jobs.GET("", handlers.ListJobs(svc))
			jobs.GET("/:id", handlers.GetJob(svc))
			jobs.GET("/:id/audit", handlers.GetJobAudit(svc))
			jobs.GET("/:id/overrides", handlers.ListOverrides(svc))
			jobs.POST("/:id/overrides", handlers.SubmitOverride(svc))
		}

		auditGroup := v1.Group("/audit")
		{
			auditGroup.GET("", handlers.AuditRange(svc))
			auditGroup.GET("/verify", handlers.VerifyAudit(svc))
		}
	}
}

func traceHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := telemetry.TraceID(c.Request.Context()); id != "" {
			c.Header(TraceHeader, id)
		}
		c.Next()
	}
}
