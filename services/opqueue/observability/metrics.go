// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the operation queue.
//
// # Description
//
// Metrics cover:
//   - Submissions by method and outcome, with latency
//   - Pointer election rounds and optimistic-concurrency conflicts
//   - Entries folded per submission (how far behind HEAD a writer was)
//   - HTTP requests by route and status code
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of the server.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil receiver, so components can run
// without metrics in tests and the schedule explorer.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "opqueue"

const (
	engineSubsystem = "engine"
	httpSubsystem   = "http"
)

// Outcome labels for submissions.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Copy-forward target labels.
const (
	CopyOwn    = "own"
	CopyWinner = "winner"
)

// EngineMetrics holds the Prometheus collectors for the convergence engine.
//
// # Fields
//
//   - SubmitsTotal: Submissions by method (insert, drop) and status (ok, error)
//   - SubmitDurationSeconds: End-to-end submission latency by method
//   - ElectionRounds: Pointer advance attempts per submission
//   - PointerConflictsTotal: Optimistic conflicts lost inside pointer CAS
//   - FoldedEntries: Log entries folded per submission
//   - CopyForwardsTotal: HEAD copies by target (own, winner)
//   - HTTPRequestsTotal: HTTP requests by method, route and code
type EngineMetrics struct {
	SubmitsTotal          *prometheus.CounterVec
	SubmitDurationSeconds *prometheus.HistogramVec
	ElectionRounds        prometheus.Histogram
	PointerConflictsTotal prometheus.Counter
	FoldedEntries         prometheus.Histogram
	CopyForwardsTotal     *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
}

// NewEngineMetrics creates the collectors and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	f := promauto.With(reg)
	return &EngineMetrics{
		SubmitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "submits_total",
				Help:      "Total submissions by method and status",
			},
			[]string{"method", "status"},
		),
		SubmitDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "submit_duration_seconds",
				Help:      "Submission latency in seconds, grace period included",
				Buckets:   []float64{0.05, 0.075, 0.1, 0.15, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method"},
		),
		ElectionRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "election_rounds",
				Help:      "Pointer advance attempts per submission",
				Buckets:   []float64{1, 2, 3, 4, 6, 8, 16},
			},
		),
		PointerConflictsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "pointer_conflicts_total",
				Help:      "Optimistic conflicts lost while advancing the pointer",
			},
		),
		FoldedEntries: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "folded_entries",
				Help:      "Log entries folded into the snapshot per submission",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
		CopyForwardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "copy_forwards_total",
				Help:      "HEAD copies by whose snapshot was copied",
			},
			[]string{"target"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

// RecordSubmit counts one finished submission and its latency.
func (m *EngineMetrics) RecordSubmit(method string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := StatusOK
	if !success {
		status = StatusError
	}
	m.SubmitsTotal.WithLabelValues(method, status).Inc()
	m.SubmitDurationSeconds.WithLabelValues(method).Observe(seconds)
}

// RecordElection records how many advance attempts one submission made.
func (m *EngineMetrics) RecordElection(rounds int) {
	if m == nil {
		return
	}
	m.ElectionRounds.Observe(float64(rounds))
}

// RecordPointerConflicts adds n lost optimistic conflicts.
func (m *EngineMetrics) RecordPointerConflicts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PointerConflictsTotal.Add(float64(n))
}

// RecordFold records how many entries one submission folded.
func (m *EngineMetrics) RecordFold(entries int) {
	if m == nil {
		return
	}
	m.FoldedEntries.Observe(float64(entries))
}

// RecordCopyForward counts one HEAD copy. own is true when the writer
// copied its own snapshot.
func (m *EngineMetrics) RecordCopyForward(own bool) {
	if m == nil {
		return
	}
	target := CopyWinner
	if own {
		target = CopyOwn
	}
	m.CopyForwardsTotal.WithLabelValues(target).Inc()
}

// RecordHTTPRequest counts one served HTTP request.
func (m *EngineMetrics) RecordHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
