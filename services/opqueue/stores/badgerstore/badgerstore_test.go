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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/storage/badger"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ids(entries []datatypes.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// =============================================================================
// LogStore
// =============================================================================

func TestLogStore_AppendAndQueryRange(t *testing.T) {
	ctx := context.Background()
	log := NewLogStore(openDB(t))
	part := stores.DefaultLayout().OpsPartition()

	for _, id := range []string{"11", "09", "13", "10", "12"} {
		require.NoError(t, log.Append(ctx, part, id, datatypes.NewOperation(datatypes.MethodInsert, "p"+id), time.Minute))
	}
	require.NoError(t, log.Append(ctx, "OTHER_OPE", "10", datatypes.NewOperation(datatypes.MethodDrop, ""), time.Minute))

	all, err := log.QueryRange(ctx, part, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"09", "10", "11", "12", "13"}, ids(all))
	assert.Equal(t, "p09", all[0].Operation.Payload)

	window, err := log.QueryRange(ctx, part, "10", "12")
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11", "12"}, ids(window))

	tail, err := log.QueryRange(ctx, part, "12", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"12", "13"}, ids(tail))
}

func TestLogStore_AppendIsPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	log := NewLogStore(openDB(t))

	require.NoError(t, log.Append(ctx, "TEST_OPE", "10", datatypes.NewOperation(datatypes.MethodInsert, "first"), 0))
	require.NoError(t, log.Append(ctx, "TEST_OPE", "10", datatypes.NewOperation(datatypes.MethodInsert, "second"), 0))

	got, err := log.QueryRange(ctx, "TEST_OPE", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Operation.Payload)
}

func TestLogStore_StoredItemLayout(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	log := NewLogStore(db)
	fixed := time.Unix(1_700_000_000, 0)
	log.now = func() time.Time { return fixed }

	require.NoError(t, log.Append(ctx, "TEST_OPE", "10", datatypes.NewOperation(datatypes.MethodInsert, "x"), time.Minute))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("log/TEST_OPE/10"))
		require.NoError(t, err)
		assert.NotZero(t, item.ExpiresAt())

		raw, err := item.ValueCopy(nil)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.Equal(t, "TEST_OPE", doc["ckey"])
		assert.Equal(t, "10", doc["skey"])
		assert.EqualValues(t, 1_700_000_060, doc["expired"])
		assert.Equal(t, map[string]any{"v": "1", "m": "insert", "d": "x"}, doc["ope"])
		return nil
	}))
}

func TestLogStore_ConcurrentAppendsOfOneID(t *testing.T) {
	ctx := context.Background()
	log := NewLogStore(openDB(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(ctx, "TEST_OPE", "10", datatypes.NewOperation(datatypes.MethodInsert, "x"), 0))
		}()
	}
	wg.Wait()

	got, err := log.QueryRange(ctx, "TEST_OPE", "", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// =============================================================================
// SnapshotStore
// =============================================================================

func TestSnapshotStore_LoadMissingIsEmpty(t *testing.T) {
	s := NewSnapshotStore(openDB(t), stores.DefaultLayout())

	got, err := s.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, datatypes.EmptySnapshot(), got)
}

func TestSnapshotStore_SaveCopyLoad(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewSnapshotStore(db, stores.DefaultLayout())

	snap := datatypes.Snapshot{LastAppliedID: "10", Data: []string{"A"}}
	require.NoError(t, s.Save(ctx, snap, "10"))
	require.NoError(t, s.Copy(ctx, "10", ""))

	head, err := s.Load(ctx, "")
	require.NoError(t, err)
	assert.True(t, snap.Equal(head))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("blob/snapshot/10.json"))
		require.NoError(t, err)
		raw, err := item.ValueCopy(nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"skey":"10","data":["A"]}`, string(raw))

		_, err = txn.Get([]byte("blob/db.json"))
		assert.NoError(t, err)
		return nil
	}))
}

func TestSnapshotStore_CopyMissingSource(t *testing.T) {
	s := NewSnapshotStore(openDB(t), stores.DefaultLayout())

	err := s.Copy(context.Background(), "99", "")
	require.ErrorIs(t, err, datatypes.ErrWrite)
	require.ErrorIs(t, err, stores.ErrNotFound)
}

// =============================================================================
// Pointer
// =============================================================================

func TestPointer_AdvanceAndCurrent(t *testing.T) {
	ctx := context.Background()
	p := NewPointer(openDB(t), stores.DefaultLayout(), nil)

	cur, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, cur)

	for _, tc := range []struct {
		candidate string
		accepted  bool
		cur       string
	}{
		{"10", true, "10"},
		{"09", false, "10"},
		{"10", false, "10"},
		{"12", true, "12"},
	} {
		ok, err := p.Advance(ctx, tc.candidate)
		require.NoError(t, err)
		assert.Equal(t, tc.accepted, ok, "advance(%s)", tc.candidate)

		cur, err := p.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, tc.cur, cur)
	}
}

func TestPointer_RacingAdvances(t *testing.T) {
	ctx := context.Background()
	p := NewPointer(openDB(t), stores.DefaultLayout(), nil)
	var conflicts atomic.Int64
	p.OnConflict = func(n int) { conflicts.Add(int64(n)) }

	candidates := []string{"10", "11", "12", "13", "14", "15", "16", "17"}
	var accepted atomic.Int32
	var same atomic.Int32
	var wg sync.WaitGroup
	for _, c := range candidates {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(c string, dup int) {
				defer wg.Done()
				ok, err := p.Advance(ctx, c)
				assert.NoError(t, err)
				if ok {
					accepted.Add(1)
					if c == "17" {
						same.Add(1)
					}
				}
			}(c, dup)
		}
	}
	wg.Wait()

	cur, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "17", cur)
	assert.GreaterOrEqual(t, accepted.Load(), int32(1))
	assert.EqualValues(t, 1, same.Load(), "the top candidate is accepted exactly once")
}

func TestPointer_StoredLayout(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	p := NewPointer(db, stores.DefaultLayout(), nil)

	_, err := p.Advance(ctx, "10")
	require.NoError(t, err)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("meta/TEST_META/CURRENT_DB"))
		require.NoError(t, err)
		raw, err := item.ValueCopy(nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ckey":"TEST_META","skey":"CURRENT_DB","cur":"10"}`, string(raw))
		return nil
	}))
}
