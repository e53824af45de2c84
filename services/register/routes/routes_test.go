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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/legalcascade/services/register/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router := gin.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "legalcascade_test_total",
		Help: "Test counter.",
	}))
	SetupRoutes(router, handlers.NewHandlers(nil, 0, nil), reg)
	return router
}

func TestSetupRoutes_RegistersAPI(t *testing.T) {
	router := newRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/families"},
		{"POST", "/v1/sessions"},
		{"GET", "/v1/sessions"},
		{"GET", "/v1/sessions/:id"},
		{"DELETE", "/v1/sessions/:id"},
		{"POST", "/v1/sessions/:id/group"},
		{"GET", "/v1/sessions/:id/groups"},
		{"GET", "/v1/sessions/:id/groups/:group"},
		{"PUT", "/v1/sessions/:id/groups/:group/selection"},
		{"POST", "/v1/sessions/:id/groups/:group/persist"},
		{"POST", "/v1/sessions/:id/groups/:group/parse"},
		{"POST", "/v1/sessions/:id/confirm"},
		{"GET", "/v1/sessions/:id/affected"},
		{"DELETE", "/v1/sessions/:id/affected"},
		{"POST", "/v1/sessions/:id/reparse"},
		{"PUT", "/v1/sessions/:id/cascade/metadata"},
		{"DELETE", "/v1/sessions/:id/cascade"},
		{"GET", "/v1/sessions/:id/progress"},
		{"GET", "/v1/sessions/:id/progress/ws"},
		{"GET", "/v1/instruments/:name"},
		{"DELETE", "/v1/instruments/:name"},
		{"POST", "/v1/instruments/:name/parse"},
		{"GET", "/v1/instruments/:name/preview"},
		{"GET", "/v1/instruments/:name/affected"},
		{"GET", "/v1/instruments/:name/links"},
		{"PUT", "/v1/instruments/:name/links"},
		{"POST", "/v1/instruments/reparse"},
		{"GET", "/v1/cascade/jobs"},
		{"DELETE", "/v1/cascade/jobs/processed"},
		{"DELETE", "/v1/cascade/jobs/:id"},
		{"GET", "/v1/cascade/progress"},
		{"GET", "/v1/cascade/progress/ws"},
	}

	registered := map[string]bool{}
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
	assert.Len(t, router.Routes(), len(expected))
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "legalcascade_test_total"))
}
