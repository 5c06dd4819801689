// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// Record is the pointer state. Prv lists previously current ids, newest
// first; the production protocol never fills it.
type Record struct {
	Cur string
	Prv []string
}

// Pointer is an in-memory stores.Pointer that can also carry a chain of
// previous ids.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pointer struct {
	mu     sync.Mutex
	rec    Record
	exists bool
}

var _ stores.Pointer = (*Pointer)(nil)

// NewPointer returns an absent pointer record.
func NewPointer() *Pointer {
	return &Pointer{}
}

// Set overwrites the record unconditionally.
func (p *Pointer) Set(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec = Record{Cur: rec.Cur, Prv: slices.Clone(rec.Prv)}
	p.exists = true
}

// Record returns a copy of the record and whether it exists.
func (p *Pointer) Record() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Record{Cur: p.rec.Cur, Prv: slices.Clone(p.rec.Prv)}, p.exists
}

// Advance implements stores.Pointer.
func (p *Pointer) Advance(_ context.Context, candidate string) (bool, error) {
	_, ok := p.AdvanceChain(candidate, nil)
	return ok, nil
}

// AdvanceChain is Advance that also replaces the previous-id chain.
// On success it returns the record that was replaced.
func (p *Pointer) AdvanceChain(candidate string, prv []string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exists && candidate <= p.rec.Cur {
		return Record{}, false
	}
	prev := p.rec
	p.rec = Record{Cur: candidate, Prv: slices.Clone(prv)}
	p.exists = true
	return prev, true
}

// Current implements stores.Pointer.
func (p *Pointer) Current(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Cur, nil
}
