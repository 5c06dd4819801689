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
	"slices"
	"strconv"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/reducer"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/memory"
)

// Prv-chain step names.
const (
	ChainAppendOperation = "append-operation"
	ChainQueryLog        = "query-log-and-pointer"
	ChainLoadBase        = "load-base"
	ChainSaveSnapshot    = "save-snapshot"
	ChainAdvancePointer  = "advance-pointer"
	ChainCleanup         = "cleanup"
)

var chainSteps = []string{
	ChainAppendOperation,
	ChainQueryLog,
	ChainLoadBase,
	ChainSaveSnapshot,
	ChainAdvancePointer,
	ChainCleanup,
}

// MaxChainLength is the longest previous-id chain the variant should keep.
const MaxChainLength = 2

// ErrNoBase is returned when neither the current nor the previous snapshot
// named by the pointer exists any more.
var ErrNoBase = errors.New("no base snapshot available")

// PrvChain models the superseded design: the pointer carries the ids it
// replaced, every writer builds on the newest snapshot that still exists,
// and winners delete snapshots they consider superseded. Losers delete
// their own snapshot.
//
// Actor ids are fixed: actor i always appends id 10+i.
type PrvChain struct {
	racing   int
	trailing int
}

// NewPrvChain returns the prv-chain protocol with racing actors followed by
// two trailing ones.
func NewPrvChain(racing int) (*PrvChain, error) {
	if racing < 1 || racing > 8 {
		return nil, fmt.Errorf("prv-chain supports 1 to 8 racing actors, got %d", racing)
	}
	return &PrvChain{racing: racing, trailing: 2}, nil
}

// Name implements Protocol.
func (p *PrvChain) Name() string { return ProtocolPrvChain }

// Mode implements Protocol. Ids are fixed per actor.
func (p *PrvChain) Mode() IDMode { return IDAtAppend }

// Racing implements Protocol.
func (p *PrvChain) Racing() int { return p.racing }

// StepNames implements Protocol.
func (p *PrvChain) StepNames() []string { return slices.Clone(chainSteps) }

// Actors implements Protocol.
func (p *PrvChain) Actors(w *World) ([]Actor, error) {
	actors := make([]Actor, p.racing+p.trailing)
	for i := range actors {
		actors[i] = &chainActor{
			name: actorName(i),
			id:   strconv.Itoa(FirstID + i),
			op:   datatypes.NewOperation(datatypes.MethodInsert, actorName(i)),
			w:    w,
		}
	}
	return actors, nil
}

// Check implements Protocol.
func (p *PrvChain) Check(w *World, phase string, state State, outcomes []Outcome) []Violation {
	var out []Violation
	add := func(inv, format string, args ...any) {
		out = append(out, Violation{Invariant: inv, Phase: phase, Detail: fmt.Sprintf(format, args...)})
	}

	for _, o := range outcomes {
		if o.Err != "" {
			add(InvNoActorErrors, "actor %s: %s", o.Actor, o.Err)
		}
	}
	if !w.Snapshots.Has(state.Cur) {
		add(InvCurBlobPresent, "no blob for pointer %s", state.Cur)
	}
	if len(state.Prv) > MaxChainLength {
		add(InvChainLength, "chain %v longer than %d", state.Prv, MaxChainLength)
	}

	reachable := append([]string{state.Cur}, state.Prv...)
	var orphans []string
	for _, b := range state.Blobs {
		if !slices.Contains(reachable, b) {
			orphans = append(orphans, b)
		}
	}
	if len(orphans) > 0 {
		add(InvNoOrphanBlobs, "blobs %v not reachable from pointer %s %v", orphans, state.Cur, state.Prv)
	}
	return out
}

// chainActor is one writer of the prv-chain protocol.
type chainActor struct {
	name string
	id   string
	op   datatypes.Operation
	w    *World

	entries  []datatypes.Entry
	rec      memory.Record
	hasRec   bool
	baseCur  string
	basePrv  string
	base     datatypes.Snapshot
	prev     memory.Record
	accepted bool

	next int
	err  error
}

func (a *chainActor) Name() string { return a.name }

func (a *chainActor) Steps() []engine.Step {
	fns := []func(context.Context) error{
		a.appendOperation,
		a.queryLog,
		a.loadBase,
		a.saveSnapshot,
		a.advancePointer,
		a.cleanup,
	}
	steps := make([]engine.Step, len(fns))
	for i, fn := range fns {
		steps[i] = engine.Step{Name: chainSteps[i], Run: func(ctx context.Context) error {
			if a.err != nil {
				return nil
			}
			a.next++
			a.err = fn(ctx)
			return a.err
		}}
	}
	return steps
}

func (a *chainActor) Outcome() Outcome {
	o := Outcome{Actor: a.name, ID: a.id, Finished: a.next == len(chainSteps) || a.err != nil}
	if a.err != nil {
		o.Err = a.err.Error()
	} else if o.Finished {
		o.Result = datatypes.OK()
	}
	return o
}

func (a *chainActor) appendOperation(ctx context.Context) error {
	return a.w.Log.Append(ctx, a.w.Layout.OpsPartition(), a.id, a.op, stores.DefaultTTL)
}

func (a *chainActor) queryLog(ctx context.Context) error {
	entries, err := a.w.Log.QueryRange(ctx, a.w.Layout.OpsPartition(), "", a.id)
	if err != nil {
		return err
	}
	a.entries = entries
	a.rec, a.hasRec = a.w.Pointer.Record()
	return nil
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func (a *chainActor) loadBase(ctx context.Context) error {
	if !a.hasRec {
		return ErrNoBase
	}
	switch {
	case a.w.Snapshots.Has(a.rec.Cur):
		a.baseCur, a.basePrv = a.rec.Cur, at(a.rec.Prv, 0)
	case at(a.rec.Prv, 0) != "" && a.w.Snapshots.Has(a.rec.Prv[0]):
		a.baseCur, a.basePrv = a.rec.Prv[0], at(a.rec.Prv, 1)
	default:
		return fmt.Errorf("%w: cur %s prv %v", ErrNoBase, a.rec.Cur, a.rec.Prv)
	}
	base, err := a.w.Snapshots.Load(ctx, a.baseCur)
	if err != nil {
		return err
	}
	a.base = base
	return nil
}

func (a *chainActor) saveSnapshot(ctx context.Context) error {
	snap, _, _ := reducer.Fold(a.base, a.entries, a.id)
	snap.LastAppliedID = a.id
	return a.w.Snapshots.Save(ctx, snap, a.id)
}

func (a *chainActor) advancePointer(context.Context) error {
	prv := []string{a.baseCur}
	if a.basePrv != "" {
		prv = append(prv, a.basePrv)
	}
	a.prev, a.accepted = a.w.Pointer.AdvanceChain(a.id, prv)
	return nil
}

func (a *chainActor) cleanup(context.Context) error {
	if !a.accepted {
		a.w.Snapshots.Delete(a.id)
		return nil
	}
	if at(a.prev.Prv, 0) == a.baseCur {
		a.w.Snapshots.Delete(a.prev.Cur)
	}
	if a.basePrv != "" {
		a.w.Snapshots.Delete(a.basePrv)
	}
	return nil
}
