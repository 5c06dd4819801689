// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the Gin middleware of the opqueue server.
//
// # Chain
//
//	Request
//	   │
//	   ▼
//	RequestID ──► assigns or propagates X-Request-ID
//	   │
//	   ▼
//	Metrics   ──► counts method, route and status code
//	   │
//	   ▼
//	Recovery  ──► panics become a generic 500, logged with id and payload
//	   │
//	   ▼
//	Handler
//
// Handlers record the submitted payload with SetPayload so that failures
// logged anywhere in the chain can be correlated with what was sent.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Context keys.
const (
	requestIDKey = "opqueue_request_id"
	payloadKey   = "opqueue_payload"
)

// maxRequestIDLength bounds ids accepted from clients.
const maxRequestIDLength = 128

// unmatchedRoute labels requests no route matched.
const unmatchedRoute = "unmatched"

// =============================================================================
// Context Helpers
// =============================================================================

// GetRequestID returns the id assigned by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// SetPayload records the payload a handler is about to submit.
func SetPayload(c *gin.Context, payload string) {
	c.Set(payloadKey, payload)
}

// GetPayload returns the payload recorded by SetPayload, or "".
func GetPayload(c *gin.Context) string {
	return c.GetString(payloadKey)
}

// =============================================================================
// Request ID
// =============================================================================

// RequestID propagates a client supplied X-Request-ID or assigns a new
// UUID, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// =============================================================================
// Recovery
// =============================================================================

// Recovery turns a panic into a 500 with the generic error body. The panic
// value and stack are logged, never sent.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.Error("handler panicked",
				slog.String("request_id", GetRequestID(c)),
				slog.String("method", c.Request.Method),
				slog.String("path", c.Request.URL.Path),
				slog.String("payload", GetPayload(c)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.InternalError())
		}()
		c.Next()
	}
}

// =============================================================================
// Access Log and Metrics
// =============================================================================

// AccessLog logs one Debug line per request.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request served",
			slog.String("request_id", GetRequestID(c)),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// Metrics counts requests by method, matched route and status. It must
// run outside Recovery to see recovered panics as 500s. m may be nil.
func Metrics(m *observability.EngineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status())
	}
}
