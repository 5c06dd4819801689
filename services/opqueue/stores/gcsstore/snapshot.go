// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// SnapshotStore is a stores.SnapshotStore on a GCS bucket.
type SnapshotStore struct {
	client *Client
	layout stores.Layout
}

var _ stores.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore returns a snapshot store on client's bucket.
func NewSnapshotStore(client *Client, layout stores.Layout) *SnapshotStore {
	return &SnapshotStore{client: client, layout: layout.WithDefaults()}
}

// Load implements stores.SnapshotStore.
func (s *SnapshotStore) Load(ctx context.Context, key string) (datatypes.Snapshot, error) {
	name := s.layout.ObjectKey(key)
	r, err := s.client.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return datatypes.EmptySnapshot(), nil
	}
	if err != nil {
		return datatypes.Snapshot{}, fmt.Errorf("%w: open gs://%s/%s: %w", datatypes.ErrStore, s.client.BucketName, name, err)
	}
	defer r.Close()

	snap := datatypes.EmptySnapshot()
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return datatypes.Snapshot{}, fmt.Errorf("%w: decode gs://%s/%s: %w", datatypes.ErrStore, s.client.BucketName, name, err)
	}
	if snap.Data == nil {
		snap.Data = []string{}
	}
	return snap, nil
}

// Save implements stores.SnapshotStore.
func (s *SnapshotStore) Save(ctx context.Context, snap datatypes.Snapshot, key string) error {
	name := s.layout.ObjectKey(key)
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot %q: %w", datatypes.ErrWrite, snap.LastAppliedID, err)
	}

	w := s.client.object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("%w: write gs://%s/%s: %w", datatypes.ErrWrite, s.client.BucketName, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close writer for gs://%s/%s: %w", datatypes.ErrWrite, s.client.BucketName, name, err)
	}
	return nil
}

// Copy implements stores.SnapshotStore with a server-side rewrite.
func (s *SnapshotStore) Copy(ctx context.Context, src, dst string) error {
	srcName, dstName := s.layout.ObjectKey(src), s.layout.ObjectKey(dst)
	_, err := s.client.object(dstName).CopierFrom(s.client.object(srcName)).Run(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		err = stores.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: copy gs://%s/%s to %s: %w", datatypes.ErrWrite, s.client.BucketName, srcName, dstName, err)
	}
	return nil
}
