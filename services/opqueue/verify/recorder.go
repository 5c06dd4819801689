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
	"sync"
)

// Recorder persists trials. Record is called from a single goroutine with
// batches in completion order, which is not index order.
type Recorder interface {
	Record(ctx context.Context, batch []*Trial) error
	Close() error
}

// MemoryRecorder keeps failed trials in memory and counts the rest.
type MemoryRecorder struct {
	mu     sync.Mutex
	total  uint64
	failed []*Trial
	keep   int
}

// NewMemoryRecorder keeps at most keep failed trials; keep <= 0 keeps all.
func NewMemoryRecorder(keep int) *MemoryRecorder {
	return &MemoryRecorder{keep: keep}
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(_ context.Context, batch []*Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range batch {
		r.total++
		if t.Failed() && (r.keep <= 0 || len(r.failed) < r.keep) {
			r.failed = append(r.failed, t)
		}
	}
	return nil
}

// Close implements Recorder.
func (r *MemoryRecorder) Close() error { return nil }

// Total returns the number of recorded trials.
func (r *MemoryRecorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Failed returns the kept failed trials.
func (r *MemoryRecorder) Failed() []*Trial {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Trial(nil), r.failed...)
}
