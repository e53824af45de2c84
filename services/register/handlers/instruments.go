// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/gin-gonic/gin"
)

// HandleGetInstrument handles GET /v1/instruments/:name.
func (h *Handlers) HandleGetInstrument(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetInstrument")
	view, err := h.p.GetInstrument(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleDeleteInstrument handles DELETE /v1/instruments/:name.
func (h *Handlers) HandleDeleteInstrument(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteInstrument")
	name := c.Param("name")
	if err := h.p.DeleteInstrument(c.Request.Context(), name); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "instrument": name})
}

// HandleParseInstrument handles POST /v1/instruments/:name/parse.
//
// Response:
//
//	200 OK: ParseAnnotation
//	409 Conflict: The instrument is locked (PARSE_BUSY)
//	422 Unprocessable Entity: Extraction failed (PARSE_FAILURE)
func (h *Handlers) HandleParseInstrument(c *gin.Context) {
	logger := h.requestLogger(c, "HandleParseInstrument")
	ann, err := h.p.ParseOne(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ann)
}

// HandlePreviewInstrument handles GET /v1/instruments/:name/preview.
func (h *Handlers) HandlePreviewInstrument(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePreviewInstrument")
	md, err := h.p.Preview(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, md)
}

// HandleInstrumentAffected handles GET /v1/instruments/:name/affected.
func (h *Handlers) HandleInstrumentAffected(c *gin.Context) {
	logger := h.requestLogger(c, "HandleInstrumentAffected")
	res, err := h.p.AffectedForInstrument(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleListLinks handles GET /v1/instruments/:name/links.
func (h *Handlers) HandleListLinks(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListLinks")
	links, err := h.p.ListLinks(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if links == nil {
		links = []datatypes.EnactingLink{}
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

// HandleUpdateLinks handles PUT /v1/instruments/:name/links.
//
// Description:
//
//	Replaces the instrument's outgoing links with the body's complete set.
//	Only the difference is written.
//
// Response:
//
//	200 OK: LinkDiff
//	404 Not Found: Unknown source
//	409 Conflict: A target does not exist (GRAPH_CONFLICT)
func (h *Handlers) HandleUpdateLinks(c *gin.Context) {
	logger := h.requestLogger(c, "HandleUpdateLinks")

	var req datatypes.UpdateLinksRequest
	if !bindJSON(c, logger, &req) {
		return
	}
	diff, err := h.p.UpdateEnactingLinks(c.Request.Context(), c.Param("name"), &req)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Links updated",
		slog.String("instrument", diff.Source),
		slog.Int("added", len(diff.Added)),
		slog.Int("removed", len(diff.Removed)),
		slog.Int("unchanged", diff.Unchanged))
	c.JSON(http.StatusOK, diff)
}

// HandleBatchReparse handles POST /v1/instruments/reparse.
//
// Description:
//
//	Starts a full parse of the named instruments on the shared worker
//	pool and returns at once. Progress follows on /v1/cascade/progress
//	scoped to the returned run; its stage_complete event carries the
//	batch report.
//
// Response:
//
//	202 Accepted: AcceptedResponse with the run id and progress path
func (h *Handlers) HandleBatchReparse(c *gin.Context) {
	logger := h.requestLogger(c, "HandleBatchReparse")

	var req datatypes.BatchReparseRequest
	if !bindJSON(c, logger, &req) {
		return
	}
	accepted, err := h.p.BatchReparse(c.Request.Context(), &req)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

// HandleListJobs handles GET /v1/cascade/jobs.
//
// Query Parameters:
//
//	session: Optional session id filter.
func (h *Handlers) HandleListJobs(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListJobs")
	jobs, err := h.p.ListCascadeJobs(c.Request.Context(), c.Query("session"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// HandleClearProcessed handles DELETE /v1/cascade/jobs/processed.
func (h *Handlers) HandleClearProcessed(c *gin.Context) {
	logger := h.requestLogger(c, "HandleClearProcessed")
	res, err := h.p.ClearProcessed(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleDeleteJob handles DELETE /v1/cascade/jobs/:id.
func (h *Handlers) HandleDeleteJob(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteJob")
	res, err := h.p.DeleteCascadeJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
