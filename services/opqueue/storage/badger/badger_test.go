// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenDB_Persistent verifies data survives a close and reopen.
func TestOpenDB_Persistent(t *testing.T) {
	dir, err := TempDir("opqueue-badger-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("blob/db.json"), []byte(`{"data":[]}`))
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close returns the first result")

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("blob/db.json"))
		require.NoError(t, err)
		val, err := item.ValueCopy(nil)
		require.NoError(t, err)
		assert.Equal(t, `{"data":[]}`, string(val))
		return nil
	}))
}

// TestOpenDB_RequiresPath verifies persistent mode needs a directory.
func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigDefaults(t *testing.T) {
	t.Run("production", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, time.Minute, cfg.GCInterval)
		assert.Positive(t, cfg.ConflictRetries)
	})

	t.Run("in memory", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.Zero(t, cfg.GCInterval)
	})
}

func TestWithTxn_ContextCancelled(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.ErrorIs(t, err, context.Canceled)

	err = db.WithReadTxn(ctx, func(*badger.Txn) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		require.NoError(t, txn.Set([]byte("k"), []byte("v")))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
		return nil
	}))
}

// TestUpdateWithRetry_RetriesConflicts forces one conflict by committing a
// competing write between fn's read and its commit.
func TestUpdateWithRetry_RetriesConflicts(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("meta/TEST_META/CURRENT_DB")
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, []byte("09"))
	}))

	attempts := 0
	conflicts, err := db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		attempts++
		if _, err := txn.Get(key); err != nil {
			return err
		}
		if attempts == 1 {
			require.NoError(t, db.WithTxn(ctx, func(other *badger.Txn) error {
				return other.Set(key, []byte("10"))
			}))
		}
		return txn.Set(key, []byte("11"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, attempts)
}

func TestUpdateWithRetry_GivesUp(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.ConflictRetries = 2
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("k")
	n := 0
	conflicts, err := db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		_, _ = txn.Get(key)
		n++
		require.NoError(t, db.WithTxn(ctx, func(other *badger.Txn) error {
			return other.Set(key, []byte{byte(n)})
		}))
		return txn.Set(key, []byte("mine"))
	})
	require.ErrorIs(t, err, badger.ErrConflict)
	assert.Equal(t, 2, conflicts)
	assert.Equal(t, 3, n)
}

func TestGCRunner(t *testing.T) {
	t.Run("validates inputs", func(t *testing.T) {
		_, err := NewGCRunner(nil, time.Second, 0.5, nil)
		assert.ErrorContains(t, err, "db must not be nil")

		db, err := OpenInMemory()
		require.NoError(t, err)
		defer db.Close()

		_, err = NewGCRunner(db.DB, 0, 0.5, nil)
		assert.ErrorContains(t, err, "interval must be positive")

		_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
		assert.ErrorContains(t, err, "ratio must be between 0 and 1")
	})

	t.Run("start and stop", func(t *testing.T) {
		dir, err := TempDir("opqueue-gc-")
		require.NoError(t, err)
		defer CleanupDir(dir)

		cfg := DefaultConfig()
		cfg.Path = dir
		cfg.GCInterval = 10 * time.Millisecond
		db, err := OpenDB(cfg)
		require.NoError(t, err)

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, db.Close())
	})

	t.Run("stop before start", func(t *testing.T) {
		db, err := OpenInMemory()
		require.NoError(t, err)
		defer db.Close()

		r, err := NewGCRunner(db.DB, time.Second, 0.5, nil)
		require.NoError(t, err)
		r.Stop()
		r.Start()
		r.Stop()
	})
}

func TestCleanupDir(t *testing.T) {
	assert.NoError(t, CleanupDir(""))

	dir, err := TempDir("opqueue-cleanup-")
	require.NoError(t, err)
	require.NoError(t, CleanupDir(dir))
	assert.NoDirExists(t, dir)
}
