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
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// SnapshotStore is an in-memory stores.SnapshotStore. Blobs are keyed by
// snapshot id and HEAD by the empty string.
//
// # Thread Safety
//
// Safe for concurrent use.
type SnapshotStore struct {
	mu      sync.Mutex
	blobs   map[string]datatypes.Snapshot
	loadErr error
	saveErr error
}

var _ stores.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore returns an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{blobs: make(map[string]datatypes.Snapshot)}
}

// FailLoads makes later Load calls fail with err. nil restores them.
func (s *SnapshotStore) FailLoads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// FailSaves makes later Save and Copy calls fail with err. nil restores them.
func (s *SnapshotStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// Load implements stores.SnapshotStore.
func (s *SnapshotStore) Load(_ context.Context, key string) (datatypes.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return datatypes.Snapshot{}, fmt.Errorf("%w: load %q: %w", datatypes.ErrStore, key, s.loadErr)
	}
	snap, ok := s.blobs[key]
	if !ok {
		return datatypes.EmptySnapshot(), nil
	}
	return snap.Clone(), nil
}

// Save implements stores.SnapshotStore.
func (s *SnapshotStore) Save(_ context.Context, snap datatypes.Snapshot, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return fmt.Errorf("%w: save %q: %w", datatypes.ErrWrite, key, s.saveErr)
	}
	s.blobs[key] = snap.Clone()
	return nil
}

// Copy implements stores.SnapshotStore.
func (s *SnapshotStore) Copy(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return fmt.Errorf("%w: copy %q to %q: %w", datatypes.ErrWrite, src, dst, s.saveErr)
	}
	snap, ok := s.blobs[src]
	if !ok {
		return fmt.Errorf("%w: copy %q to %q: %w", datatypes.ErrWrite, src, dst, stores.ErrNotFound)
	}
	s.blobs[dst] = snap
	return nil
}

// Delete removes a blob. Missing keys are ignored.
func (s *SnapshotStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
}

// Has reports whether key holds a blob.
func (s *SnapshotStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// IDs returns the sorted ids of every blob except HEAD.
func (s *SnapshotStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := slices.Sorted(maps.Keys(s.blobs))
	return slices.DeleteFunc(ids, func(id string) bool { return id == "" })
}
