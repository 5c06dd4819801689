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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/opqueue/services/opqueue/handlers"
)

// QueuePath is the resource path under the base path.
const QueuePath = "/dy-queue"

// Options configures SetupRoutes.
type Options struct {
	// BasePath prefixes QueuePath, e.g. "/api". May be empty.
	BasePath string

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// SetupRoutes registers the dy-queue resource, health and metrics.
// Other methods on the queue path get 405 and unknown paths 404, both with
// an empty body.
func SetupRoutes(router *gin.Engine, q handlers.Queue, opts Options) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) { c.AbortWithStatus(http.StatusMethodNotAllowed) })
	router.NoRoute(func(c *gin.Context) { c.AbortWithStatus(http.StatusNotFound) })

	router.GET("/health", handlers.Health)
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	base := router.Group(opts.BasePath)
	{
		base.GET(QueuePath, handlers.GetQueue(q, opts.Logger))
		base.POST(QueuePath, handlers.InsertQueue(q, opts.Logger))
		base.DELETE(QueuePath, handlers.DropQueue(q, opts.Logger))
	}
}

// DefaultMetricsHandler serves the default Prometheus registry.
func DefaultMetricsHandler() http.Handler {
	return promhttp.Handler()
}
