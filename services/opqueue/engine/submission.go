// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/reducer"
)

// Step names, in execution order.
const (
	StepLoadHead        = "load-head"
	StepAppendOperation = "append-operation"
	StepQueryAndFold    = "query-and-fold"
	StepSaveSnapshot    = "save-snapshot"
	StepAdvancePointer  = "advance-pointer"
	StepCopyForward     = "copy-forward"
)

// StepNames lists the steps of every Submission in order.
var StepNames = []string{
	StepLoadHead,
	StepAppendOperation,
	StepQueryAndFold,
	StepSaveSnapshot,
	StepAdvancePointer,
	StepCopyForward,
}

// Step is one store-touching unit of a submission. Steps must run in the
// order Steps returns them; each runs to completion before the next.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Submission is one operation working its way through the protocol.
//
// # Description
//
// Submit drives a Submission from start to end. Exposing the steps lets a
// scheduler interleave several submissions step by step against shared
// stores, which is how every ordering of racing writers is explored.
//
// Once a step fails, every later step is a no-op and Result reports the
// failure.
//
// # Thread Safety
//
// Not safe for concurrent use; steps of one Submission run sequentially.
type Submission struct {
	e       *Engine
	op      datatypes.Operation
	payload string

	base     datatypes.Snapshot
	id       string
	snap     datatypes.Snapshot
	result   datatypes.Result
	accepted bool
	rounds   int
	next     int
	err      error
}

// Begin prepares a submission without touching any store.
func (e *Engine) Begin(payload string, method datatypes.Method) (*Submission, error) {
	switch method {
	case datatypes.MethodInsert:
	case datatypes.MethodDrop:
		payload = ""
	default:
		return nil, fmt.Errorf("%w: %q", datatypes.ErrInvalidMethod, method)
	}
	return &Submission{
		e:       e,
		op:      datatypes.NewOperation(method, payload),
		payload: payload,
	}, nil
}

// Steps returns the submission's steps in execution order.
func (s *Submission) Steps() []Step {
	fns := []func(context.Context) error{
		s.loadHead,
		s.appendOperation,
		s.queryAndFold,
		s.saveSnapshot,
		s.advancePointer,
		s.copyForward,
	}
	steps := make([]Step, len(fns))
	for i, fn := range fns {
		steps[i] = Step{Name: StepNames[i], Run: s.guard(i, fn)}
	}
	return steps
}

// guard enforces order and turns every step after a failure into a no-op.
func (s *Submission) guard(i int, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if s.err != nil {
			return nil
		}
		if i != s.next {
			s.err = fmt.Errorf("step %s run out of order after %d steps", StepNames[i], s.next)
			return s.err
		}
		s.next++
		if err := fn(ctx); err != nil {
			s.err = err
			return err
		}
		return nil
	}
}

// ID is the submission's operation id, empty until appended.
func (s *Submission) ID() string { return s.id }

// Operation returns the operation being submitted.
func (s *Submission) Operation() datatypes.Operation { return s.op }

// Rounds is the number of pointer advance attempts made so far.
func (s *Submission) Rounds() int { return s.rounds }

// Checkpoint returns the snapshot this submission folded and saved.
func (s *Submission) Checkpoint() datatypes.Snapshot { return s.snap.Clone() }

// Err returns the failure that stopped the submission, if any.
func (s *Submission) Err() error { return s.err }

// Result returns the own-operation result once every step ran.
func (s *Submission) Result() (datatypes.Result, error) {
	if s.err != nil {
		return datatypes.Result{}, s.err
	}
	if s.next < len(StepNames) {
		return datatypes.Result{}, ErrIncomplete
	}
	return s.result, nil
}

func (s *Submission) debug(msg string, attrs ...any) {
	s.e.logger.Debug(msg, append([]any{slog.String("id", s.id), slog.String("payload", s.payload)}, attrs...)...)
}

// -----------------------------------------------------------------------------
// Steps
// -----------------------------------------------------------------------------

func (s *Submission) loadHead(ctx context.Context) error {
	base, err := s.e.snapshots.Load(ctx, "")
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	s.base = base
	s.debug("loaded head", slog.String("base", base.LastAppliedID))
	return nil
}

func (s *Submission) appendOperation(ctx context.Context) error {
	id, err := s.e.ids.Next(ctx, s.base.LastAppliedID)
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	if err := s.e.log.Append(ctx, s.e.partition, id, s.op, s.e.ttl); err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	s.id = id
	s.debug("appended operation", slog.String("method", string(s.op.Method)))
	return nil
}

func (s *Submission) queryAndFold(ctx context.Context) error {
	if err := sleep(ctx, s.e.GracePeriod()); err != nil {
		return fmt.Errorf("grace period: %w", err)
	}

	entries, err := s.e.log.QueryRange(ctx, s.e.partition, s.base.LastAppliedID, s.id)
	if err != nil {
		return fmt.Errorf("query log: %w", err)
	}

	snap, result, found := reducer.Fold(s.base, entries, s.id)
	if !found {
		return fmt.Errorf("%w: id %s", ErrOwnEntryMissing, s.id)
	}
	s.snap = snap
	s.result = result

	folded := len(entries)
	if len(entries) > 0 && entries[0].ID == s.base.LastAppliedID {
		folded--
	}
	s.e.metrics.RecordFold(folded)
	s.debug("folded log", slog.Int("entries", folded), slog.String("last_applied", snap.LastAppliedID))
	return nil
}

func (s *Submission) saveSnapshot(ctx context.Context) error {
	if err := s.e.snapshots.Save(ctx, s.snap, s.snap.LastAppliedID); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.debug("saved checkpoint")
	return nil
}

func (s *Submission) advancePointer(ctx context.Context) error {
	accepted, err := s.e.pointer.Advance(ctx, s.snap.LastAppliedID)
	if err != nil {
		return fmt.Errorf("advance pointer: %w", err)
	}
	s.accepted = accepted
	s.rounds = 1
	s.debug("pointer advance", slog.Bool("accepted", accepted))
	return nil
}

// copyForward promotes the canonical snapshot onto HEAD.
//
// After each copy the pointer is read again. If it moved past the copied
// id, a later writer may have copied before us and our copy overwrote
// theirs, so the loop repeats with the newer id. The pointer only moves
// forward, so each round copies a strictly newer id and the loop ends.
func (s *Submission) copyForward(ctx context.Context) error {
	candidate, accepted := s.snap.LastAppliedID, s.accepted
	defer func() { s.e.metrics.RecordElection(s.rounds) }()

	for {
		target := candidate
		if !accepted {
			winner, err := s.e.pointer.Current(ctx)
			if err != nil {
				return fmt.Errorf("read pointer: %w", err)
			}
			if winner == "" {
				return ErrNoWinner
			}
			target = winner
		}

		if err := s.e.snapshots.Copy(ctx, target, ""); err != nil {
			return fmt.Errorf("copy %s to head: %w", target, err)
		}
		s.e.metrics.RecordCopyForward(target == s.snap.LastAppliedID)

		latest, err := s.e.pointer.Current(ctx)
		if err != nil {
			return fmt.Errorf("confirm pointer: %w", err)
		}
		if latest == target {
			s.debug("head promoted", slog.String("head", target), slog.Int("rounds", s.rounds))
			return nil
		}

		candidate = latest
		accepted, err = s.e.pointer.Advance(ctx, candidate)
		if err != nil {
			return fmt.Errorf("advance pointer: %w", err)
		}
		s.rounds++
	}
}
