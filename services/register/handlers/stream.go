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
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// streamScope narrows a progress stream to one run, stage or group. The
// zero scope is a live tail of the whole stream key.
type streamScope struct {
	run   string
	stage string
	group string
}

func scopeFromQuery(c *gin.Context) streamScope {
	return streamScope{
		run:   c.Query("run"),
		stage: c.Query("stage"),
		group: c.Query("group"),
	}
}

func (s streamScope) empty() bool {
	return s.run == "" && s.stage == "" && s.group == ""
}

// matches reports whether ev belongs to the scope. session_deleted is
// delivered to every subscriber.
func (s streamScope) matches(ev datatypes.ProgressEvent) bool {
	if ev.Type == datatypes.EventSessionDeleted {
		return true
	}
	if s.run != "" && ev.Run != s.run {
		return false
	}
	if s.stage != "" && ev.Stage != s.stage {
		return false
	}
	if s.group != "" && ev.Group != s.group {
		return false
	}
	return true
}

// ends reports whether ev is the last event of a stream with this scope.
// An unscoped stream ends only when the session is deleted.
func (s streamScope) ends(ev datatypes.ProgressEvent) bool {
	switch ev.Type {
	case datatypes.EventSessionDeleted:
		return true
	case datatypes.EventStageComplete:
		return !s.empty() && s.matches(ev)
	default:
		return false
	}
}

// subscribe opens a subscription on key. Session keys are checked for
// existence first; the cascade key always exists. It writes the error
// response and returns nil on failure.
func (h *Handlers) subscribe(c *gin.Context, logger *slog.Logger, key string) *progress.Subscription {
	broker := h.p.Broker()
	if broker == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
			Error: "progress streaming is disabled",
			Code:  "STREAMING_DISABLED",
		})
		return nil
	}
	if key != datatypes.CascadeStreamKey {
		if _, err := h.p.Status(c.Request.Context(), key); err != nil {
			writeError(c, logger, err)
			return nil
		}
	}
	return broker.Subscribe(key)
}

// HandleProgressSSE handles GET /v1/sessions/:id/progress.
//
// Description:
//
//	Streams the session's progress events as Server-Sent Events from the
//	moment of subscription; there is no replay. The optional run, stage
//	and group query parameters narrow the stream to one operation: only
//	matching events are delivered and the stream ends after the matching
//	stage_complete. Without a scope the stream is a live tail that ends
//	on session_deleted. Client disconnects end either kind. A comment
//	ping is written every keep-alive interval.
func (h *Handlers) HandleProgressSSE(c *gin.Context) {
	logger := h.requestLogger(c, "HandleProgressSSE")
	h.serveSSE(c, logger, c.Param("id"))
}

// HandleCascadeProgressSSE handles GET /v1/cascade/progress.
//
// Description:
//
//	Streams the events of session-independent cascade work, such as batch
//	reparses, with the same scoping rules as HandleProgressSSE. Pass the
//	run id returned by the 202 response to follow one batch.
func (h *Handlers) HandleCascadeProgressSSE(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCascadeProgressSSE")
	h.serveSSE(c, logger, datatypes.CascadeStreamKey)
}

func (h *Handlers) serveSSE(c *gin.Context, logger *slog.Logger, key string) {
	scope := scopeFromQuery(c)
	sub := h.subscribe(c, logger, key)
	if sub == nil {
		return
	}
	defer sub.Close()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("Streaming not supported", slog.String("error", err.Error()))
		return
	}
	if err := writer.WriteKeepAlive(); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Progress client disconnected")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !scope.matches(ev) {
				continue
			}
			if err := writer.WriteEvent(ev); err != nil {
				logger.Debug("Failed to write event", slog.String("error", err.Error()))
				return
			}
			if scope.ends(ev) {
				return
			}
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				logger.Debug("Failed to write keepalive", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// HandleProgressWS handles GET /v1/sessions/:id/progress/ws.
//
// Description:
//
//	Same semantics as HandleProgressSSE over a WebSocket: one JSON text
//	message per event, ping frames as keep-alive, and a normal close frame
//	when the scope's last event has been delivered. Messages from the
//	client are read only to notice disconnects.
func (h *Handlers) HandleProgressWS(c *gin.Context) {
	logger := h.requestLogger(c, "HandleProgressWS")
	h.serveWS(c, logger, c.Param("id"))
}

// HandleCascadeProgressWS handles GET /v1/cascade/progress/ws.
func (h *Handlers) HandleCascadeProgressWS(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCascadeProgressWS")
	h.serveWS(c, logger, datatypes.CascadeStreamKey)
}

func (h *Handlers) serveWS(c *gin.Context, logger *slog.Logger, key string) {
	scope := scopeFromQuery(c)
	sub := h.subscribe(c, logger, key)
	if sub == nil {
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			logger.Debug("Progress client disconnected")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				closeWS(ws)
				return
			}
			if !scope.matches(ev) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("Failed to write WebSocket JSON", slog.String("error", err.Error()))
				return
			}
			if scope.ends(ev) {
				closeWS(ws)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func closeWS(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
