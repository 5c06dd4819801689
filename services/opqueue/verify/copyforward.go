// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/ids"
	"github.com/AleutianAI/opqueue/services/opqueue/reducer"
)

// Invariant names.
const (
	InvHeadMatchesPointer = "head-matches-pointer"
	InvNoLostOperations   = "no-lost-operations"
	InvPointerBlobPresent = "pointer-blob-present"
	InvActorFinished      = "actor-finished"
	InvNoOrphanBlobs      = "no-orphan-blobs"
	InvChainLength        = "chain-length"
	InvCurBlobPresent     = "cur-blob-present"
	InvNoActorErrors      = "no-actor-errors"
)

// Payload is one actor's operation.
type Payload struct {
	Method datatypes.Method
	Value  string
}

// DefaultRacing is three writers racing: two inserts and a drop.
var DefaultRacing = []Payload{
	{datatypes.MethodInsert, "A"},
	{datatypes.MethodInsert, "B"},
	{datatypes.MethodDrop, ""},
}

// DefaultTrailing is two inserts that run after the race.
var DefaultTrailing = []Payload{
	{datatypes.MethodInsert, "D"},
	{datatypes.MethodInsert, "E"},
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// CopyForward models the production engine.
type CopyForward struct {
	racing   []Payload
	trailing []Payload
	mode     IDMode
}

// NewCopyForward returns the copy-forward protocol with the first racing
// payloads of DefaultRacing racing and DefaultTrailing after them.
func NewCopyForward(racing int, mode IDMode) (*CopyForward, error) {
	if racing < 1 || racing > len(DefaultRacing) {
		return nil, fmt.Errorf("copy-forward supports 1 to %d racing actors, got %d", len(DefaultRacing), racing)
	}
	return NewCopyForwardWith(DefaultRacing[:racing], DefaultTrailing, mode)
}

// NewCopyForwardWith returns the copy-forward protocol for explicit payloads.
func NewCopyForwardWith(racing, trailing []Payload, mode IDMode) (*CopyForward, error) {
	if len(racing) == 0 {
		return nil, errors.New("copy-forward needs at least one racing actor")
	}
	if _, err := ParseIDMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = IDAtAppend
	}
	return &CopyForward{
		racing:   slices.Clone(racing),
		trailing: slices.Clone(trailing),
		mode:     mode,
	}, nil
}

// Name implements Protocol.
func (p *CopyForward) Name() string { return ProtocolCopyForward }

// Mode implements Protocol.
func (p *CopyForward) Mode() IDMode { return p.mode }

// Racing implements Protocol.
func (p *CopyForward) Racing() int { return len(p.racing) }

// StepNames implements Protocol.
func (p *CopyForward) StepNames() []string { return slices.Clone(engine.StepNames) }

// Actors implements Protocol. Every actor runs a real engine against w's
// stores with no grace period; ids come from one shared sequence.
func (p *CopyForward) Actors(w *World) ([]Actor, error) {
	shared := ids.NewSequence(FirstID, len(BaselineID))
	all := append(slices.Clone(p.racing), p.trailing...)
	actors := make([]Actor, len(all))
	for i, pl := range all {
		a := &submitter{name: actorName(i)}

		var gen ids.Generator = shared
		if p.mode == IDAtLoad {
			a.reserve = &reservation{shared: shared}
			gen = a.reserve
		}
		e, err := engine.New(engine.Config{
			Log:       w.Log,
			Snapshots: w.Snapshots,
			Pointer:   w.Pointer,
			IDs:       gen,
			Layout:    w.Layout,
			Logger:    discard,
		})
		if err != nil {
			return nil, err
		}
		sub, err := e.Begin(pl.Value, pl.Method)
		if err != nil {
			return nil, err
		}
		a.sub = sub
		actors[i] = a
	}
	return actors, nil
}

// Check implements Protocol.
func (p *CopyForward) Check(w *World, phase string, state State, outcomes []Outcome) []Violation {
	var out []Violation
	add := func(inv, format string, args ...any) {
		out = append(out, Violation{Invariant: inv, Phase: phase, Detail: fmt.Sprintf(format, args...)})
	}

	for _, o := range outcomes {
		if !o.Finished || o.Err != "" {
			add(InvActorFinished, "actor %s: finished=%t err=%q", o.Actor, o.Finished, o.Err)
		}
	}

	if state.Head != state.Cur {
		add(InvHeadMatchesPointer, "head %s, pointer %s", state.Head, state.Cur)
	}
	if !w.Snapshots.Has(state.Cur) {
		add(InvPointerBlobPresent, "no blob for pointer %s", state.Cur)
	}

	var upTo []datatypes.Entry
	for _, e := range w.entries() {
		if e.ID <= state.Cur {
			upTo = append(upTo, e)
		}
	}
	want, _, _ := reducer.Fold(BaselineSnapshot(), upTo, "")
	if !slices.Equal(want.Data, state.HeadData) {
		add(InvNoLostOperations, "head data %v, log replay %v", state.HeadData, want.Data)
	}
	return out
}

func actorName(i int) string { return string(rune('A' + i)) }

// submitter adapts an engine.Submission to Actor.
type submitter struct {
	name    string
	sub     *engine.Submission
	reserve *reservation
}

func (a *submitter) Name() string { return a.name }

func (a *submitter) Steps() []engine.Step {
	steps := a.sub.Steps()
	if a.reserve == nil {
		return steps
	}
	load := steps[0].Run
	steps[0].Run = func(ctx context.Context) error {
		if err := load(ctx); err != nil {
			return err
		}
		return a.reserve.take(ctx)
	}
	return steps
}

func (a *submitter) Outcome() Outcome {
	o := Outcome{Actor: a.name, ID: a.sub.ID(), Folded: a.sub.Checkpoint().LastAppliedID}
	res, err := a.sub.Result()
	switch {
	case errors.Is(err, engine.ErrIncomplete):
	case err != nil:
		o.Finished = true
		o.Err = err.Error()
	default:
		o.Finished = true
		o.Result = res
	}
	return o
}

// reservation draws an id early and hands it out at append time.
type reservation struct {
	shared ids.Generator
	id     ids.Fixed
}

func (r *reservation) take(ctx context.Context) error {
	id, err := r.shared.Next(ctx, "")
	if err != nil {
		return err
	}
	r.id = ids.Fixed(id)
	return nil
}

// Next implements ids.Generator.
func (r *reservation) Next(ctx context.Context, floor string) (string, error) {
	if r.id == "" {
		return "", errors.New("no id reserved")
	}
	return r.id.Next(ctx, floor)
}
