// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the lock-free convergence protocol.
//
// # Description
//
// Every submission appends its operation to the shared log, folds whatever
// the log holds since the HEAD snapshot it started from, checkpoints the
// result under its own id, and then races the other writers for the
// canonical pointer. Losers copy the winner's snapshot onto HEAD. No writer
// ever waits for another.
//
// # Thread Safety
//
// An Engine is safe for concurrent use; each Submit is independent and
// shares nothing in process beyond the injected store handles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/ids"
	"github.com/AleutianAI/opqueue/services/opqueue/observability"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// DefaultGracePeriod is the wait between append and range query.
const DefaultGracePeriod = 50 * time.Millisecond

var tracer = otel.Tracer("opqueue.engine")

// -----------------------------------------------------------------------------
// Engine Errors
// -----------------------------------------------------------------------------

var (
	// ErrOwnEntryMissing is returned when the range query does not contain
	// the submission's own entry, e.g. because it already expired.
	ErrOwnEntryMissing = errors.New("own operation not visible in log")

	// ErrIncomplete is returned by Submission.Result before the last step ran.
	ErrIncomplete = errors.New("submission has not finished")

	// ErrNoWinner is returned when the pointer rejects an advance but reads
	// back empty, which only a misbehaving store can produce.
	ErrNoWinner = errors.New("pointer rejected advance but holds no id")
)

// Config wires an Engine to its stores.
type Config struct {
	// Log, Snapshots and Pointer are the shared backing stores. Required.
	Log       stores.LogStore
	Snapshots stores.SnapshotStore
	Pointer   stores.Pointer

	// IDs generates operation ids. Defaults to a ULID generator.
	IDs ids.Generator

	// Layout names the log partition. Defaults to stores.DefaultLayout().
	Layout stores.Layout

	// TTL is how long appended operations stay in the log.
	// Defaults to stores.DefaultTTL.
	TTL time.Duration

	// GracePeriod is the wait before reading the log back. Zero means no
	// wait; use DefaultGracePeriod for the production value.
	GracePeriod time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.EngineMetrics
}

// Engine runs submissions against shared stores.
//
// # Description
//
// Construct one per process with New and share it. The grace period can be
// changed at runtime with SetGracePeriod; submissions already past their
// wait are unaffected.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	log       stores.LogStore
	snapshots stores.SnapshotStore
	pointer   stores.Pointer
	ids       ids.Generator
	partition string
	ttl       time.Duration
	grace     atomic.Int64
	logger    *slog.Logger
	metrics   *observability.EngineMetrics
}

// New validates cfg and returns an Engine.
//
// # Outputs
//
//   - *Engine: Ready engine.
//   - error: Non-nil if a required store is missing.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil || cfg.Snapshots == nil || cfg.Pointer == nil {
		return nil, errors.New("engine requires log, snapshot and pointer stores")
	}
	if cfg.IDs == nil {
		cfg.IDs = ids.NewULID()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = stores.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		log:       cfg.Log,
		snapshots: cfg.Snapshots,
		pointer:   cfg.Pointer,
		ids:       cfg.IDs,
		partition: cfg.Layout.WithDefaults().OpsPartition(),
		ttl:       cfg.TTL,
		logger:    cfg.Logger.With(slog.String("component", "engine")),
		metrics:   cfg.Metrics,
	}
	e.SetGracePeriod(cfg.GracePeriod)
	return e, nil
}

// SetGracePeriod changes the wait used by submissions that have not yet
// reached it. Negative values are treated as zero.
func (e *Engine) SetGracePeriod(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.grace.Store(int64(d))
}

// GracePeriod returns the current wait.
func (e *Engine) GracePeriod() time.Duration {
	return time.Duration(e.grace.Load())
}

// Submit applies one operation and returns its own result.
//
// # Description
//
// Runs every step of a Submission in order. A failing step aborts the
// call; what was already written stays written (an appended operation is
// picked up by a later writer's fold).
//
// # Inputs
//
//   - ctx: Governs every store call and the grace wait.
//   - payload: Inserted value; ignored for drop.
//   - method: datatypes.MethodInsert or datatypes.MethodDrop.
//
// # Outputs
//
//   - datatypes.Result: Result of the caller's own operation.
//   - error: datatypes.ErrInvalidMethod, or a store error wrapping
//     datatypes.ErrWrite / datatypes.ErrStore. A lost pointer race is not
//     an error.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Engine) Submit(ctx context.Context, payload string, method datatypes.Method) (datatypes.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.Submit",
		trace.WithAttributes(
			attribute.String("opqueue.method", string(method)),
			attribute.Int("opqueue.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	sub, err := e.Begin(payload, method)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid method")
		return datatypes.Result{}, err
	}

	e.logger.Info("submission started",
		slog.String("method", string(method)),
		slog.String("payload", payload))

	for _, step := range sub.Steps() {
		stepCtx, stepSpan := tracer.Start(ctx, "engine."+step.Name)
		err := step.Run(stepCtx)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, step.Name+" failed")
		}
		stepSpan.End()

		if err != nil {
			e.metrics.RecordSubmit(string(method), false, time.Since(start).Seconds())
			span.RecordError(err)
			span.SetStatus(codes.Error, step.Name+" failed")
			e.logger.Error("submission failed",
				slog.String("step", step.Name),
				slog.String("id", sub.ID()),
				slog.String("method", string(method)),
				slog.String("payload", payload),
				slog.String("error", err.Error()))
			return datatypes.Result{}, err
		}
	}

	result, err := sub.Result()
	if err != nil {
		return datatypes.Result{}, err
	}

	e.metrics.RecordSubmit(string(method), true, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("opqueue.id", sub.ID()),
		attribute.Int("opqueue.election_rounds", sub.Rounds()),
	)
	e.logger.Info("submission applied",
		slog.String("id", sub.ID()),
		slog.String("method", string(method)),
		slog.String("payload", payload),
		slog.Int("election_rounds", sub.Rounds()),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

// Get returns the HEAD snapshot. It never mutates anything and is not
// linearizable with concurrent submissions.
func (e *Engine) Get(ctx context.Context) (datatypes.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "engine.Get")
	defer span.End()

	snap, err := e.snapshots.Load(ctx, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return datatypes.Snapshot{}, fmt.Errorf("load head: %w", err)
	}
	span.SetAttributes(attribute.String("opqueue.head", snap.LastAppliedID))
	return snap, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
