// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/storage/badger"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// SnapshotStore is a stores.SnapshotStore on BadgerDB. Blob values are the
// same JSON documents the object-store adapter writes.
type SnapshotStore struct {
	db     *badger.DB
	layout stores.Layout
}

var _ stores.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore returns a snapshot store backed by db.
func NewSnapshotStore(db *badger.DB, layout stores.Layout) *SnapshotStore {
	return &SnapshotStore{db: db, layout: layout.WithDefaults()}
}

func (s *SnapshotStore) key(id string) []byte {
	return []byte(blobPrefix + s.layout.ObjectKey(id))
}

// Load implements stores.SnapshotStore.
func (s *SnapshotStore) Load(ctx context.Context, key string) (datatypes.Snapshot, error) {
	snap := datatypes.EmptySnapshot()
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return datatypes.Snapshot{}, fmt.Errorf("%w: load %s: %w", datatypes.ErrStore, s.layout.ObjectKey(key), err)
	}
	if snap.Data == nil {
		snap.Data = []string{}
	}
	return snap, nil
}

// Save implements stores.SnapshotStore.
func (s *SnapshotStore) Save(ctx context.Context, snap datatypes.Snapshot, key string) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot %q: %w", datatypes.ErrWrite, snap.LastAppliedID, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(s.key(key), val)
	})
	if err != nil {
		return fmt.Errorf("%w: save %s: %w", datatypes.ErrWrite, s.layout.ObjectKey(key), err)
	}
	return nil
}

// Copy implements stores.SnapshotStore. Blind writes never conflict, so
// racing copies onto HEAD resolve last-writer-wins like an object store.
func (s *SnapshotStore) Copy(ctx context.Context, src, dst string) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(s.key(src))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return stores.ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(s.key(dst), val)
	})
	if err != nil {
		return fmt.Errorf("%w: copy %s to %s: %w", datatypes.ErrWrite,
			s.layout.ObjectKey(src), s.layout.ObjectKey(dst), err)
	}
	return nil
}
