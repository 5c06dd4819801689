// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements the store contracts on one embedded
// BadgerDB. It serves single-node deployments where every engine instance
// runs in the same process.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/storage/badger"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// -----------------------------------------------------------------------------
// Key layout
// -----------------------------------------------------------------------------

const (
	logPrefix  = "log/"
	metaPrefix = "meta/"
	blobPrefix = "blob/"
)

func logPartitionPrefix(partition string) []byte {
	return []byte(logPrefix + partition + "/")
}

func logKey(partition, id string) []byte {
	return []byte(logPrefix + partition + "/" + id)
}

// logItem is the stored value of one log entry. Field names follow the
// persisted item layout: partition key, sort key, TTL and operation.
type logItem struct {
	CKey    string              `json:"ckey"`
	SKey    string              `json:"skey"`
	Expired int64               `json:"expired,omitempty"`
	Ope     datatypes.Operation `json:"ope"`
}

// -----------------------------------------------------------------------------
// LogStore
// -----------------------------------------------------------------------------

// LogStore is a stores.LogStore on BadgerDB. Entries are written with a
// badger TTL so expired operations disappear from reads on their own.
//
// # Thread Safety
//
// Safe for concurrent use.
type LogStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ stores.LogStore = (*LogStore)(nil)

// NewLogStore returns a log backed by db.
func NewLogStore(db *badger.DB) *LogStore {
	return &LogStore{db: db, now: time.Now}
}

// Append implements stores.LogStore.
//
// The existence check and the write share one transaction, so two racing
// appends of one id conflict and the loser re-runs to find the key present.
func (l *LogStore) Append(ctx context.Context, partition, id string, op datatypes.Operation, ttl time.Duration) error {
	key := logKey(partition, id)
	item := logItem{CKey: partition, SKey: id, Ope: op}
	if ttl > 0 {
		item.Expired = l.now().Add(ttl).Unix()
	}
	val, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %w", datatypes.ErrWrite, partition, id, err)
	}

	_, err = l.db.UpdateWithRetry(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		e := dgbadger.NewEntry(key, val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("%w: append %s/%s: %w", datatypes.ErrWrite, partition, id, err)
	}
	return nil
}

// QueryRange implements stores.LogStore.
func (l *LogStore) QueryRange(ctx context.Context, partition, from, to string) ([]datatypes.Entry, error) {
	prefix := logPartitionPrefix(partition)
	var out []datatypes.Entry

	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logKey(partition, from)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			if to != "" && id > to {
				break
			}

			var rec logItem
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, datatypes.Entry{ID: id, Operation: rec.Ope})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query %s [%q, %q]: %w", datatypes.ErrStore, partition, from, to, err)
	}
	return out, nil
}
