// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that backs the
// single-node store adapters.
//
// One database holds all three concerns under disjoint key prefixes:
//
//	log/<partition>/<id>   operations, written with a TTL
//	meta/<partition>/<key> the pointer record
//	blob/<object key>      snapshot blobs and HEAD
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the embedded database.
type Config struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests and the memory-backed
	// CLI runs.
	InMemory bool

	// SyncWrites fsyncs every commit. Snapshot blobs and pointer updates
	// must survive a crash once acknowledged, so production keeps this on.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. Zero disables it.
	// Expired log entries only release disk space through GC.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value-log rewrite.
	GCDiscardRatio float64

	// ConflictRetries bounds how often UpdateWithRetry re-runs a transaction that
	// lost an optimistic conflict.
	ConflictRetries int
}

// DefaultConfig returns production defaults: synced writes, GC every
// minute (log entries live for a minute) at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:      true,
		GCInterval:      time.Minute,
		GCDiscardRatio:  0.5,
		ConflictRetries: 64,
	}
}

// InMemoryConfig returns a RAM-only configuration with GC disabled.
func InMemoryConfig() Config {
	return Config{
		InMemory:        true,
		ConflictRetries: 64,
	}
}

// slogAdapter satisfies badger.Logger on top of slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// options translates cfg into badger options, creating the data directory
// when needed.
func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	// Pointer CAS depends on read-write conflict detection.
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithDetectConflicts(true)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// DB is a BadgerDB handle with value-log GC and transaction helpers.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	*badger.DB
	cfg      Config
	gc       *GCRunner
	closeOne sync.Once
	closeErr error
}

// OpenDB opens the database described by cfg and starts value-log GC when
// configured for a persistent database.
//
// # Outputs
//
//   - *DB: Open database. Caller must Close it.
//   - error: Non-nil if the directory or database cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: raw, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		db.gc = runner
		runner.Start()
	}
	return db, nil
}

// OpenInMemory opens a RAM-only database.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// Close stops GC and closes the database. Later calls return the first result.
func (d *DB) Close() error {
	d.closeOne.Do(func() {
		if d.gc != nil {
			d.gc.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the data directory, or "" for in-memory databases.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool {
	return d.cfg.InMemory
}

// WithTxn runs fn in one read-write transaction and commits when fn
// returns nil. The transaction is discarded on error.
//
// A commit that loses an optimistic conflict returns badger.ErrConflict;
// use UpdateWithRetry to retry those automatically.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in one read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// UpdateWithRetry is WithTxn that re-runs fn when the commit loses an optimistic
// conflict, up to ConflictRetries extra attempts.
//
// # Description
//
// fn must be safe to run more than once: it sees a fresh transaction each
// attempt and must recompute everything it writes from what it reads.
//
// # Outputs
//
//   - int: Number of conflicts lost before the final attempt.
//   - error: fn's error, a commit error, or badger.ErrConflict when every
//     attempt lost.
func (d *DB) UpdateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) (int, error) {
	conflicts := 0
	for {
		err := d.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return conflicts, err
		}
		if conflicts >= d.cfg.ConflictRetries {
			return conflicts, err
		}
		conflicts++
	}
}

// =============================================================================
// Value-log GC
// =============================================================================

// GCRunner triggers value-log GC on an interval until stopped.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewGCRunner validates its inputs and returns an unstarted runner.
// logger may be nil.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("ratio must be between 0 and 1 exclusive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the GC loop. Only the first call has an effect.
func (r *GCRunner) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.loop(ctx)
	})
}

// Stop ends the GC loop and waits for it. Safe to call more than once and
// before Start.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		r.startOnce.Do(func() { close(r.done) })
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done
	})
}

func (r *GCRunner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect rewrites value-log files until badger reports nothing left to do.
func (r *GCRunner) collect() {
	rewrites := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			rewrites++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			r.logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 {
		r.logger.Debug("badger value log GC completed", slog.Int("rewrites", rewrites))
	}
}

// =============================================================================
// Test helpers
// =============================================================================

// TempDir creates a fresh directory under the OS temp dir.
func TempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// CleanupDir removes path recursively. Empty path is a no-op.
func CleanupDir(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	return os.RemoveAll(abs)
}
