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

// HandleCreateSession handles POST /v1/sessions.
//
// Description:
//
//	Fetches the described source, stages its records as candidates and,
//	unless auto_group is false, groups them.
//
// Request Body:
//
//	CreateSessionRequest
//
// Response:
//
//	201 Created: SessionStatus
//	400 Bad Request: Invalid body or source
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateSession")

	var req datatypes.CreateSessionRequest
	if !bindJSON(c, logger, &req) {
		return
	}
	st, err := h.p.CreateSession(c.Request.Context(), &req)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Session created",
		slog.String("session_id", st.Session.ID),
		slog.String("source", string(st.Session.Source.Kind)),
		slog.Int("candidates", st.Session.CandidateCount))
	c.JSON(http.StatusCreated, st)
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListSessions")
	sessions, err := h.p.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// HandleGetSession handles GET /v1/sessions/:id.
//
// Response:
//
//	200 OK: SessionStatus with live background stages in running
//	404 Not Found
func (h *Handlers) HandleGetSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetSession")
	st, err := h.p.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleDeleteSession handles DELETE /v1/sessions/:id.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteSession")
	sid := c.Param("id")
	if err := h.p.DeleteSession(c.Request.Context(), sid); err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Session deleted", slog.String("session_id", sid))
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sid})
}

// HandleGroup handles POST /v1/sessions/:id/group.
func (h *Handlers) HandleGroup(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGroup")
	groups, err := h.p.Group(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// HandleListGroups handles GET /v1/sessions/:id/groups.
func (h *Handlers) HandleListGroups(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListGroups")
	groups, err := h.p.ListGroups(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// HandleShowGroup handles GET /v1/sessions/:id/groups/:group.
func (h *Handlers) HandleShowGroup(c *gin.Context) {
	logger := h.requestLogger(c, "HandleShowGroup")
	detail, err := h.p.ShowGroup(c.Request.Context(), c.Param("id"), c.Param("group"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// HandleSelect handles PUT /v1/sessions/:id/groups/:group/selection.
//
// Description:
//
//	Replaces the group's selection. An empty list clears it.
//
// Response:
//
//	200 OK: Group
//	400 Bad Request: An id is not a member of the group (INVALID_SELECTION)
//	409 Conflict: The group is already persisted (INVALID_STATE)
func (h *Handlers) HandleSelect(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSelect")

	var req datatypes.SelectCandidatesRequest
	if !bindJSON(c, logger, &req) {
		return
	}
	g, err := h.p.SelectCandidates(c.Request.Context(), c.Param("id"), c.Param("group"), &req)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// HandlePersist handles POST /v1/sessions/:id/groups/:group/persist.
//
// Response:
//
//	200 OK: PersistReport
//	409 Conflict: An instrument is locked (PERSISTENCE_CONFLICT)
func (h *Handlers) HandlePersist(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePersist")
	report, err := h.p.Persist(c.Request.Context(), c.Param("id"), c.Param("group"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Group persisted",
		slog.String("session_id", report.SessionID),
		slog.String("group", report.Group),
		slog.Int("created", len(report.Created)))
	c.JSON(http.StatusOK, report)
}

// HandleParseGroup handles POST /v1/sessions/:id/groups/:group/parse.
//
// Response:
//
//	202 Accepted: AcceptedResponse; follow the progress stream
func (h *Handlers) HandleParseGroup(c *gin.Context) {
	logger := h.requestLogger(c, "HandleParseGroup")
	accepted, err := h.p.ParseGroup(c.Request.Context(), c.Param("id"), c.Param("group"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

// HandleConfirm handles POST /v1/sessions/:id/confirm.
func (h *Handlers) HandleConfirm(c *gin.Context) {
	logger := h.requestLogger(c, "HandleConfirm")
	sess, err := h.p.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// HandleSessionAffected handles GET /v1/sessions/:id/affected.
func (h *Handlers) HandleSessionAffected(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSessionAffected")
	rec, err := h.p.AffectedForSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleClearAffected handles DELETE /v1/sessions/:id/affected.
func (h *Handlers) HandleClearAffected(c *gin.Context) {
	logger := h.requestLogger(c, "HandleClearAffected")
	res, err := h.p.ClearAffectedLaws(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleReparseSession handles POST /v1/sessions/:id/reparse.
//
// Response:
//
//	202 Accepted: the dispatched jobs; progress follows on the stream
//	409 Conflict: No group has been persisted (INVALID_STATE)
func (h *Handlers) HandleReparseSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleReparseSession")
	sid := c.Param("id")
	d, err := h.p.ReparseSession(c.Request.Context(), sid)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Reparse dispatched",
		slog.String("session_id", sid),
		slog.Int("jobs", len(d.Jobs)),
		slog.Int("skipped", len(d.Skipped)))
	c.JSON(http.StatusAccepted, gin.H{
		"stage":    datatypes.StageReparse,
		"run":      d.Traversal,
		"progress": d.Progress,
		"dispatch": d,
	})
}

// HandleSaveCascadeMetadata handles PUT /v1/sessions/:id/cascade/metadata.
func (h *Handlers) HandleSaveCascadeMetadata(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSaveCascadeMetadata")

	var req datatypes.CascadeMetadataRequest
	if !bindJSON(c, logger, &req) {
		return
	}
	rec, err := h.p.SaveCascadeMetadata(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleClearCascadeSession handles DELETE /v1/sessions/:id/cascade.
func (h *Handlers) HandleClearCascadeSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleClearCascadeSession")
	res, err := h.p.ClearCascadeSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
