// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides in-process implementations of the store contracts.
//
// They are strongly consistent by construction and carry fault-injection
// hooks, so they back unit tests, the schedule explorer and the
// single-process "memory" backend.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

type logRecord struct {
	id      string
	op      datatypes.Operation
	expires time.Time
}

// LogStore is an in-memory stores.LogStore.
//
// # Thread Safety
//
// Safe for concurrent use.
type LogStore struct {
	mu        sync.Mutex
	parts     map[string][]logRecord
	now       func() time.Time
	appendErr error
}

var _ stores.LogStore = (*LogStore)(nil)

// NewLogStore returns an empty log using the wall clock for expiry.
func NewLogStore() *LogStore {
	return &LogStore{
		parts: make(map[string][]logRecord),
		now:   time.Now,
	}
}

// SetClock replaces the clock used to stamp and check expiry.
func (l *LogStore) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// FailAppends makes every later Append fail with err. nil restores normal
// behaviour.
func (l *LogStore) FailAppends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = err
}

// Append implements stores.LogStore.
func (l *LogStore) Append(_ context.Context, partition, id string, op datatypes.Operation, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.appendErr != nil {
		return fmt.Errorf("%w: append %s/%s: %w", datatypes.ErrWrite, partition, id, l.appendErr)
	}

	recs := l.parts[partition]
	i, found := slices.BinarySearchFunc(recs, id, func(r logRecord, id string) int {
		return cmp.Compare(r.id, id)
	})
	if found {
		return nil
	}

	rec := logRecord{id: id, op: op}
	if ttl > 0 {
		rec.expires = l.now().Add(ttl)
	}
	l.parts[partition] = slices.Insert(recs, i, rec)
	return nil
}

// QueryRange implements stores.LogStore.
func (l *LogStore) QueryRange(_ context.Context, partition, from, to string) ([]datatypes.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []datatypes.Entry
	for _, r := range l.parts[partition] {
		if from != "" && r.id < from {
			continue
		}
		if to != "" && r.id > to {
			break
		}
		if !r.expires.IsZero() && !now.Before(r.expires) {
			continue
		}
		out = append(out, datatypes.Entry{ID: r.id, Operation: r.op})
	}
	return out, nil
}

// Len returns the number of stored entries in partition, expired or not.
func (l *LogStore) Len(partition string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.parts[partition])
}
