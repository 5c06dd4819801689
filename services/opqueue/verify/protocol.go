// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify exhaustively explores how concurrent writers interleave.
//
// # Description
//
// A Protocol describes a fixed number of actors, each a fixed sequence of
// steps touching shared stores. The verifier enumerates every merge of the
// racing actors' step sequences that keeps each actor's own order, runs the
// steps one at a time in that global order against fresh in-memory stores,
// runs the trailing actors afterwards, and checks the protocol's invariants
// on the captured state. Every trial is recorded for offline analysis.
//
// Steps run strictly one after another. A step is the unit of atomicity:
// reordering between steps is the only source of concurrency explored.
//
// Two protocols are modeled:
//
//   - copy-forward: the production engine, driven through its own steps.
//   - prv-chain: an older design that keeps a chain of previous ids and
//     deletes superseded snapshots. It is kept to show why it was dropped.
//
// # Thread Safety
//
// Protocols are safe for concurrent use; each trial builds its own World
// and actors.
package verify

import (
	"context"
	"fmt"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
)

// IDMode controls when an actor's operation id is drawn.
type IDMode string

const (
	// IDAtAppend draws the id in the same step as the append. This models a
	// grace period long enough that no smaller id becomes visible after a
	// reader's range query.
	IDAtAppend IDMode = "at-append"

	// IDAtLoad reserves the id at the load step, so an actor holding a
	// smaller id may append after a later actor already folded. This is
	// the window the grace period has to cover.
	IDAtLoad IDMode = "at-load"
)

// ParseIDMode accepts "at-append" and "at-load". Empty means IDAtAppend.
func ParseIDMode(s string) (IDMode, error) {
	switch IDMode(s) {
	case "", IDAtAppend:
		return IDAtAppend, nil
	case IDAtLoad:
		return IDAtLoad, nil
	default:
		return "", fmt.Errorf("unknown id mode %q", s)
	}
}

// Outcome is how one actor finished.
type Outcome struct {
	Actor    string           `json:"actor"`
	ID       string           `json:"id"`
	Folded   string           `json:"folded,omitempty"` // last id of the actor's checkpoint
	Finished bool             `json:"finished"`
	Result   datatypes.Result `json:"result"`
	Err      string           `json:"err,omitempty"`
}

// Violation is one broken invariant in one trial.
type Violation struct {
	Invariant string `json:"invariant"`
	Phase     string `json:"phase"`
	Detail    string `json:"detail"`
}

// Checkpoint phases.
const (
	PhaseRacing = "racing"
	PhaseFinal  = "final"
)

// Actor is one writer taking part in a trial.
type Actor interface {
	Name() string
	Steps() []engine.Step
	Outcome() Outcome
}

// Protocol builds the actors of one trial and judges its result.
type Protocol interface {
	// Name identifies the protocol in records and on the command line.
	Name() string

	// Mode is the id mode actors are built with.
	Mode() IDMode

	// Racing is the number of actors whose steps are interleaved.
	Racing() int

	// StepNames names each actor's steps in order.
	StepNames() []string

	// Actors builds racing actors followed by trailing actors against w.
	Actors(w *World) ([]Actor, error)

	// Check returns the invariants trial breaks at the given phase.
	Check(w *World, phase string, state State, outcomes []Outcome) []Violation
}

// Steps returns the per-actor step count of p.
func Steps(p Protocol) int { return len(p.StepNames()) }

// Protocol names accepted by NewProtocol.
const (
	ProtocolCopyForward = "copy-forward"
	ProtocolPrvChain    = "prv-chain"
)

// NewProtocol builds a protocol by name. prv-chain only supports
// IDAtAppend.
func NewProtocol(name string, racing int, mode IDMode) (Protocol, error) {
	switch name {
	case ProtocolCopyForward:
		p, err := NewCopyForward(racing, mode)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProtocolPrvChain:
		if mode != "" && mode != IDAtAppend {
			return nil, fmt.Errorf("protocol %s does not support id mode %s", name, mode)
		}
		p, err := NewPrvChain(racing)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

// TraceEvent is one executed step, recorded when a trial is traced.
type TraceEvent struct {
	Slot  int    `json:"slot"`
	Actor string `json:"actor"`
	Step  string `json:"step"`
	Err   string `json:"err,omitempty"`
	After State  `json:"after"`
}

// Trial is the record of one schedule.
type Trial struct {
	Index      uint64       `json:"index"`
	Protocol   string       `json:"protocol"`
	Mode       IDMode       `json:"mode"`
	Schedule   []int        `json:"schedule"`
	Racing     State        `json:"racing"`
	Final      State        `json:"final"`
	Outcomes   []Outcome    `json:"outcomes"`
	Violations []Violation  `json:"violations,omitempty"`
	Trace      []TraceEvent `json:"trace,omitempty"`
}

// Failed reports whether any invariant broke.
func (t *Trial) Failed() bool { return len(t.Violations) > 0 }

// RunTrial executes one schedule of p. With trace set, the state after
// every step is kept in Trial.Trace.
//
// # Inputs
//
//   - ctx: Passed to every step.
//   - p: Protocol under test.
//   - index: Recorded as the trial's index.
//   - schedule: Actor index per slot; must contain each racing actor
//     exactly Steps(p) times.
//   - trace: Whether to capture state after every step.
func RunTrial(ctx context.Context, p Protocol, index uint64, schedule []int, trace bool) (*Trial, error) {
	k := Steps(p)
	if len(schedule) != p.Racing()*k {
		return nil, fmt.Errorf("schedule has %d slots, want %d", len(schedule), p.Racing()*k)
	}

	w := NewWorld()
	actors, err := p.Actors(w)
	if err != nil {
		return nil, err
	}
	if len(actors) < p.Racing() {
		return nil, fmt.Errorf("protocol %s built %d actors, want at least %d", p.Name(), len(actors), p.Racing())
	}

	steps := make([][]engine.Step, len(actors))
	for i, a := range actors {
		steps[i] = a.Steps()
		if len(steps[i]) != k {
			return nil, fmt.Errorf("actor %s has %d steps, want %d", a.Name(), len(steps[i]), k)
		}
	}

	t := &Trial{
		Index:    index,
		Protocol: p.Name(),
		Mode:     p.Mode(),
		Schedule: append([]int(nil), schedule...),
	}

	run := func(slot, actor, step int) {
		err := steps[actor][step].Run(ctx)
		if !trace {
			return
		}
		ev := TraceEvent{
			Slot:  slot,
			Actor: actors[actor].Name(),
			Step:  steps[actor][step].Name,
			After: w.Capture(),
		}
		if err != nil {
			ev.Err = err.Error()
		}
		t.Trace = append(t.Trace, ev)
	}

	cursor := make([]int, p.Racing())
	for slot, a := range schedule {
		if a < 0 || a >= p.Racing() || cursor[a] >= k {
			return nil, fmt.Errorf("invalid schedule slot %d: actor %d", slot, a)
		}
		run(slot, a, cursor[a])
		cursor[a]++
	}

	outcomes := func() []Outcome {
		out := make([]Outcome, len(actors))
		for i, a := range actors {
			out[i] = a.Outcome()
		}
		return out
	}

	t.Racing = w.Capture()
	t.Violations = append(t.Violations, p.Check(w, PhaseRacing, t.Racing, outcomes()[:p.Racing()])...)

	slot := len(schedule)
	for a := p.Racing(); a < len(actors); a++ {
		for s := 0; s < k; s++ {
			run(slot, a, s)
			slot++
		}
	}

	t.Final = w.Capture()
	t.Outcomes = outcomes()
	t.Violations = append(t.Violations, p.Check(w, PhaseFinal, t.Final, t.Outcomes)...)
	return t, nil
}
