// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestID_AssignsUUID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	var seen string
	router.GET("/x", func(c *gin.Context) {
		seen = GetRequestID(c)
		c.Status(http.StatusNoContent)
	})

	w := serve(router, http.MethodGet, "/x", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "generated id should be a UUID, got %q", seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestRequestID_PropagatesClientID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := serve(router, http.MethodGet, "/x", http.Header{RequestIDHeader: {"client-42"}})
	assert.Equal(t, "client-42", w.Body.String())
	assert.Equal(t, "client-42", w.Header().Get(RequestIDHeader))

	long := strings.Repeat("x", maxRequestIDLength+1)
	w = serve(router, http.MethodGet, "/x", http.Header{RequestIDHeader: {long}})
	assert.NotEqual(t, long, w.Body.String(), "oversized ids are replaced")
}

// Header names are case-insensitive on the wire.
func TestRequestID_HeaderSpelling(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	for _, name := range []string{RequestIDHeader, "x-request-id", "X-REQUEST-ID"} {
		t.Run(name, func(t *testing.T) {
			w := serve(router, http.MethodGet, "/x", http.Header{name: {"spelled"}})
			assert.Equal(t, "spelled", w.Body.String())
		})
	}
}

func TestRecovery_GenericBodyAndLog(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	router := gin.New()
	router.Use(RequestID(), Recovery(logger))
	router.POST("/boom", func(c *gin.Context) {
		SetPayload(c, "secret-sauce")
		panic("store exploded")
	})

	w := serve(router, http.MethodPost, "/boom", http.Header{RequestIDHeader: {"req-1"}})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body datatypes.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, datatypes.InternalError(), body)
	assert.NotContains(t, w.Body.String(), "store exploded")

	out := logs.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"payload":"secret-sauce"`)
	assert.Contains(t, out, "store exploded")
}

func TestMetrics_CountsRoutesAndPanics(t *testing.T) {
	m := observability.NewEngineMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(RequestID(), Metrics(m), Recovery(slog.New(slog.DiscardHandler)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	serve(router, http.MethodGet, "/ok", nil)
	serve(router, http.MethodGet, "/ok", nil)
	serve(router, http.MethodGet, "/boom", nil)
	serve(router, http.MethodGet, "/nowhere", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ok", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/boom", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	router := gin.New()
	router.Use(Metrics(nil))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(router, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccessLog(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	router := gin.New()
	router.Use(RequestID(), AccessLog(logger))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	serve(router, http.MethodGet, "/x", http.Header{RequestIDHeader: {"abc"}})
	assert.Contains(t, logs.String(), "request_id=abc")
	assert.Contains(t, logs.String(), "status=202")
}
