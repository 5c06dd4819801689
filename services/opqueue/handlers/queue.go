// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers serves the dy-queue resource.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/middleware"
)

// InvalidBodyMessage is sent with 400 responses.
const InvalidBodyMessage = "invalid request body"

// Queue is what the handlers need from the engine.
type Queue interface {
	Submit(ctx context.Context, payload string, method datatypes.Method) (datatypes.Result, error)
	Get(ctx context.Context) (datatypes.Snapshot, error)
}

// SubmitRequest is the POST body.
type SubmitRequest struct {
	Data *string `json:"data" binding:"required"`
}

// GetQueue returns the HEAD snapshot.
func GetQueue(q Queue, logger *slog.Logger) gin.HandlerFunc {
	logger = componentLogger(logger)
	return func(c *gin.Context) {
		snap, err := q.Get(c.Request.Context())
		if err != nil {
			internalError(c, logger, "get failed", err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// InsertQueue submits {"data": P} as an insert.
func InsertQueue(q Queue, logger *slog.Logger) gin.HandlerFunc {
	logger = componentLogger(logger)
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("rejected request body",
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, datatypes.Result{Status: datatypes.StatusError, Message: InvalidBodyMessage})
			return
		}
		submit(c, q, logger, *req.Data, datatypes.MethodInsert)
	}
}

// DropQueue submits a drop.
func DropQueue(q Queue, logger *slog.Logger) gin.HandlerFunc {
	logger = componentLogger(logger)
	return func(c *gin.Context) {
		submit(c, q, logger, "", datatypes.MethodDrop)
	}
}

func submit(c *gin.Context, q Queue, logger *slog.Logger, payload string, method datatypes.Method) {
	middleware.SetPayload(c, payload)
	res, err := q.Submit(c.Request.Context(), payload, method)
	if err != nil {
		internalError(c, logger, "submit failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// internalError logs err with the request id and payload and sends the
// generic 500 body.
func internalError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Error(msg,
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.String("method", c.Request.Method),
		slog.String("payload", middleware.GetPayload(c)),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, datatypes.InternalError())
}

func componentLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", "handlers"))
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
