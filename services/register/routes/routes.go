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
	"net/http"

	"github.com/AleutianAI/legalcascade/services/register/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers every register endpoint on router.
//
// Description:
//
//	Registers /health and /metrics at the root and the API under /v1.
//	Middleware (tracing, recovery, logging) must already be applied.
//
// Inputs:
//
//	router - Gin engine
//	h - The handlers instance
//	gatherer - Prometheus gatherer served on /metrics; nil selects the
//	           default registry
//
// Session Endpoints:
//
//	POST   /v1/sessions - Create a session from a source (and group it)
//	GET    /v1/sessions - List sessions
//	GET    /v1/sessions/:id - Session status with group summaries
//	DELETE /v1/sessions/:id - Delete a session and cancel its work
//	POST   /v1/sessions/:id/group - Group the candidates by family
//	GET    /v1/sessions/:id/groups - List groups
//	GET    /v1/sessions/:id/groups/:group - Show a group and its candidates
//	PUT    /v1/sessions/:id/groups/:group/selection - Replace the selection
//	POST   /v1/sessions/:id/groups/:group/persist - Persist the selection
//	POST   /v1/sessions/:id/groups/:group/parse - Parse the group (202)
//	POST   /v1/sessions/:id/confirm - Commit the session's links
//
// Cascade Endpoints:
//
//	GET    /v1/sessions/:id/affected - Affected laws of the session
//	DELETE /v1/sessions/:id/affected - Clear the affected set
//	POST   /v1/sessions/:id/reparse - Reparse the affected laws (202)
//	PUT    /v1/sessions/:id/cascade/metadata - Save cascade metadata
//	DELETE /v1/sessions/:id/cascade - Clear the session's cascade state
//	GET    /v1/cascade/jobs - List jobs (?session=)
//	DELETE /v1/cascade/jobs/processed - Remove finished jobs
//	DELETE /v1/cascade/jobs/:id - Delete or cancel a job
//
// Progress Endpoints:
//
//	GET    /v1/sessions/:id/progress - Server-Sent Events
//	GET    /v1/sessions/:id/progress/ws - WebSocket
//	GET    /v1/cascade/progress - Cascade stream, Server-Sent Events
//	GET    /v1/cascade/progress/ws - Cascade stream, WebSocket
//
// Instrument Endpoints:
//
//	GET    /v1/families - Family options
//	GET    /v1/instruments/:name - Instrument with annotation and links
//	DELETE /v1/instruments/:name - Delete an instrument
//	POST   /v1/instruments/:name/parse - Full parse
//	GET    /v1/instruments/:name/preview - Metadata-only parse
//	GET    /v1/instruments/:name/affected - Affected laws of one instrument
//	GET    /v1/instruments/:name/links - Outgoing links
//	PUT    /v1/instruments/:name/links - Replace outgoing links
//	POST   /v1/instruments/reparse - Batch reparse (202)
//
// Example:
//
//	h := handlers.NewHandlers(p, cfg.KeepAlive, logger)
//	routes.SetupRoutes(router, h, registry)
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, gatherer prometheus.Gatherer) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/families", h.HandleFamilies)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.HandleCreateSession)
			sessions.GET("", h.HandleListSessions)
			sessions.GET("/:id", h.HandleGetSession)
			sessions.DELETE("/:id", h.HandleDeleteSession)
			sessions.POST("/:id/group", h.HandleGroup)
			sessions.GET("/:id/groups", h.HandleListGroups)
			sessions.GET("/:id/groups/:group", h.HandleShowGroup)
			sessions.PUT("/:id/groups/:group/selection", h.HandleSelect)
			sessions.POST("/:id/groups/:group/persist", h.HandlePersist)
			sessions.POST("/:id/groups/:group/parse", h.HandleParseGroup)
			sessions.POST("/:id/confirm", h.HandleConfirm)

			sessions.GET("/:id/affected", h.HandleSessionAffected)
			sessions.DELETE("/:id/affected", h.HandleClearAffected)
			sessions.POST("/:id/reparse", h.HandleReparseSession)
			sessions.PUT("/:id/cascade/metadata", h.HandleSaveCascadeMetadata)
			sessions.DELETE("/:id/cascade", h.HandleClearCascadeSession)

			sessions.GET("/:id/progress", h.HandleProgressSSE)
			sessions.GET("/:id/progress/ws", h.HandleProgressWS)
		}

		instruments := v1.Group("/instruments")
		{
			instruments.POST("/reparse", h.HandleBatchReparse)
			instruments.GET("/:name", h.HandleGetInstrument)
			instruments.DELETE("/:name", h.HandleDeleteInstrument)
			instruments.POST("/:name/parse", h.HandleParseInstrument)
			instruments.GET("/:name/preview", h.HandlePreviewInstrument)
			instruments.GET("/:name/affected", h.HandleInstrumentAffected)
			instruments.GET("/:name/links", h.HandleListLinks)
			instruments.PUT("/:name/links", h.HandleUpdateLinks)
		}

		jobs := v1.Group("/cascade/jobs")
		{
			jobs.GET("", h.HandleListJobs)
			jobs.DELETE("/processed", h.HandleClearProcessed)
			jobs.DELETE("/:id", h.HandleDeleteJob)
		}

		v1.GET("/cascade/progress", h.HandleCascadeProgressSSE)
		v1.GET("/cascade/progress/ws", h.HandleCascadeProgressWS)
	}
}
