// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin HTTP handlers of the legal register.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultKeepAlive is the progress stream ping interval.
const DefaultKeepAlive = 15 * time.Second

// Handlers contains the HTTP handlers for the register API.
type Handlers struct {
	p         *pipeline.Pipeline
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewHandlers creates handlers over p. keepAlive <= 0 selects DefaultKeepAlive.
func NewHandlers(p *pipeline.Pipeline, keepAlive time.Duration, logger *slog.Logger) *Handlers {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{p: p, keepAlive: keepAlive, logger: logger}
}

// requestLogger returns a logger tagged with the request id and handler name.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler))
}

// getOrCreateRequestID gets the request ID from header or creates a new one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind datatypes.ErrorKind) int {
	switch kind {
	case datatypes.KindNotFound:
		return http.StatusNotFound
	case datatypes.KindInvalidSelection, datatypes.KindInvalidSource, datatypes.KindInvalidRequest:
		return http.StatusBadRequest
	case datatypes.KindPersistenceConflict, datatypes.KindParseBusy,
		datatypes.KindGraphConflict, datatypes.KindInvalidState:
		return http.StatusConflict
	case datatypes.KindParseFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as an ErrorResponse.
//
// Pipeline errors carry their kind as the code. Anything else is a storage
// or internal failure: it is logged and reported without detail.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	var e *datatypes.Error
	if errors.As(err, &e) {
		status := statusFor(e.Kind)
		logger.Warn("Request rejected",
			slog.String("code", string(e.Kind)),
			slog.String("entity", e.Entity),
			slog.String("error", err.Error()))
		c.JSON(status, datatypes.ErrorResponse{
			Error:  err.Error(),
			Code:   strings.ToUpper(string(e.Kind)),
			Entity: e.Entity,
		})
		return
	}
	logger.Error("Request failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
		Error: "internal error",
		Code:  "INTERNAL",
	})
}

// bindJSON decodes the body into req, writing a 400 on failure.
func bindJSON(c *gin.Context, logger *slog.Logger, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return false
	}
	return true
}

// HandleFamilies handles GET /v1/families.
func (h *Handlers) HandleFamilies(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.FamiliesResponse{Families: h.p.FamilyOptions()})
}
