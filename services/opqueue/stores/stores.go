// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stores defines the backing-store contracts of the operation queue
// and the persisted key layout every adapter shares.
//
// Adapters live in subpackages: memory (in-process, used by tests and the
// schedule explorer), badgerstore (embedded single node) and gcsstore
// (shared object store for multi-process deployments).
package stores

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
)

// LogStore is an append-only partitioned log keyed by (partition, id).
//
// # Description
//
// Append is a put-if-absent keyed by id; appending the same id twice leaves
// the first operation in place and is not an error. Entries expire after
// their TTL and are never returned by QueryRange once expired.
//
// QueryRange returns entries with from <= id <= to, sorted by id ascending.
// Either bound may be empty, meaning unbounded. The read must observe every
// append that completed before the call started, including appends made by
// other processes.
//
// # Errors
//
// Append failures wrap datatypes.ErrWrite. Read failures wrap
// datatypes.ErrStore. Adapters do not retry.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LogStore interface {
	Append(ctx context.Context, partition, id string, op datatypes.Operation, ttl time.Duration) error
	QueryRange(ctx context.Context, partition, from, to string) ([]datatypes.Entry, error)
}

// SnapshotStore holds immutable snapshot blobs plus the mutable HEAD alias.
//
// # Description
//
// Every key argument is a snapshot id; the empty string names HEAD.
//
//   - Load returns datatypes.EmptySnapshot() when the key does not exist.
//   - Save writes the snapshot under the key.
//   - Copy duplicates src onto dst inside the store.
//
// # Errors
//
// Save and Copy failures wrap datatypes.ErrWrite. Load failures other than
// not-found wrap datatypes.ErrStore.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (datatypes.Snapshot, error)
	Save(ctx context.Context, snap datatypes.Snapshot, key string) error
	Copy(ctx context.Context, src, dst string) error
}

// Pointer is the single monotonic "current id" record.
//
// # Description
//
// Advance atomically sets the record to candidate when the record is absent
// or holds an id strictly less than candidate, and reports whether it did.
// A rejected advance is the normal signal that another writer won; it is
// not an error. Current returns the stored id, or "" when absent.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Advance is the only
// serialization point of the protocol.
type Pointer interface {
	Advance(ctx context.Context, candidate string) (bool, error)
	Current(ctx context.Context) (string, error)
}

// ErrNotFound reports a missing snapshot blob where one is required, such as
// the source of a Copy. Load never returns it.
var ErrNotFound = errors.New("snapshot not found")
