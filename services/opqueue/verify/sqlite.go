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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTrialNotFound is returned when a stored trial does not exist.
var ErrTrialNotFound = errors.New("trial not found")

// SQLiteRecorder stores trials in a SQLite database.
//
// # Description
//
// One row per trial goes to trials; the blobs and previous-id chain seen at
// each phase go to trial_blobs and trial_chain, one row per element; broken
// invariants go to trial_violations. Rows are keyed by protocol, id mode
// and trial index, so several runs can share one file.
//
// # Thread Safety
//
// Record must not be called concurrently. Reads are safe alongside it.
type SQLiteRecorder struct {
	db   *sql.DB
	path string
}

var _ Recorder = (*SQLiteRecorder)(nil)

// OpenSQLite opens or creates the trial database at path.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	if path == "" {
		return nil, errors.New("trial database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create trial database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping trial database: %w", err)
	}

	r := &SQLiteRecorder{db: db, path: path}
	if err := r.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) initializeSchema() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;

	CREATE TABLE IF NOT EXISTS trials (
		protocol TEXT NOT NULL,
		mode TEXT NOT NULL,
		trial INTEGER NOT NULL,
		schedule TEXT NOT NULL,
		outcomes_json TEXT NOT NULL,
		racing_blob_count INTEGER NOT NULL,
		racing_cur TEXT NOT NULL,
		racing_prv_count INTEGER NOT NULL,
		racing_head TEXT NOT NULL,
		final_blob_count INTEGER NOT NULL,
		final_cur TEXT NOT NULL,
		final_prv_count INTEGER NOT NULL,
		final_head TEXT NOT NULL,
		final_head_data TEXT NOT NULL,
		failed INTEGER NOT NULL,
		PRIMARY KEY (protocol, mode, trial)
	);

	CREATE TABLE IF NOT EXISTS trial_blobs (
		protocol TEXT NOT NULL,
		mode TEXT NOT NULL,
		trial INTEGER NOT NULL,
		phase TEXT NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trial_chain (
		protocol TEXT NOT NULL,
		mode TEXT NOT NULL,
		trial INTEGER NOT NULL,
		phase TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trial_violations (
		protocol TEXT NOT NULL,
		mode TEXT NOT NULL,
		trial INTEGER NOT NULL,
		phase TEXT NOT NULL,
		invariant TEXT NOT NULL,
		detail TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS trial_blobs_trial ON trial_blobs (protocol, mode, trial);
	CREATE INDEX IF NOT EXISTS trial_chain_trial ON trial_chain (protocol, mode, trial);
	CREATE INDEX IF NOT EXISTS trial_violations_invariant ON trial_violations (protocol, mode, invariant, phase);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	return nil
}

// Path returns the database file.
func (r *SQLiteRecorder) Path() string { return r.path }

// Reset deletes every stored trial of protocol in mode.
func (r *SQLiteRecorder) Reset(ctx context.Context, protocol string, mode IDMode) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"trials", "trial_blobs", "trial_chain", "trial_violations"} {
		q := "DELETE FROM " + table + " WHERE protocol = ? AND mode = ?"
		if _, err := tx.ExecContext(ctx, q, protocol, string(mode)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Record implements Recorder. The whole batch is one transaction.
func (r *SQLiteRecorder) Record(ctx context.Context, batch []*Trial) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	trialStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trials (protocol, mode, trial, schedule, outcomes_json,
			racing_blob_count, racing_cur, racing_prv_count, racing_head,
			final_blob_count, final_cur, final_prv_count, final_head, final_head_data,
			failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trial insert: %w", err)
	}
	defer trialStmt.Close()

	blobStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO trial_blobs (protocol, mode, trial, phase, name) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare blob insert: %w", err)
	}
	defer blobStmt.Close()

	chainStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO trial_chain (protocol, mode, trial, phase, position, id) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chain insert: %w", err)
	}
	defer chainStmt.Close()

	violationStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO trial_violations (protocol, mode, trial, phase, invariant, detail) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare violation insert: %w", err)
	}
	defer violationStmt.Close()

	for _, t := range batch {
		outcomes, err := json.Marshal(t.Outcomes)
		if err != nil {
			return fmt.Errorf("failed to marshal outcomes of trial %d: %w", t.Index, err)
		}
		headData, err := json.Marshal(t.Final.HeadData)
		if err != nil {
			return fmt.Errorf("failed to marshal head data of trial %d: %w", t.Index, err)
		}
		mode := string(t.Mode)
		index := int64(t.Index)

		_, err = trialStmt.ExecContext(ctx, t.Protocol, mode, index, FormatSchedule(t.Schedule), string(outcomes),
			t.Racing.BlobCount(), t.Racing.Cur, len(t.Racing.Prv), t.Racing.Head,
			t.Final.BlobCount(), t.Final.Cur, len(t.Final.Prv), t.Final.Head, string(headData),
			t.Failed())
		if err != nil {
			return fmt.Errorf("failed to insert trial %d: %w", t.Index, err)
		}

		for _, phase := range []struct {
			name  string
			state State
		}{{PhaseRacing, t.Racing}, {PhaseFinal, t.Final}} {
			for _, b := range phase.state.Blobs {
				if _, err := blobStmt.ExecContext(ctx, t.Protocol, mode, index, phase.name, b); err != nil {
					return fmt.Errorf("failed to insert blob of trial %d: %w", t.Index, err)
				}
			}
			for i, id := range phase.state.Prv {
				if _, err := chainStmt.ExecContext(ctx, t.Protocol, mode, index, phase.name, i, id); err != nil {
					return fmt.Errorf("failed to insert chain of trial %d: %w", t.Index, err)
				}
			}
		}

		for _, v := range t.Violations {
			if _, err := violationStmt.ExecContext(ctx, t.Protocol, mode, index, v.Phase, v.Invariant, v.Detail); err != nil {
				return fmt.Errorf("failed to insert violation of trial %d: %w", t.Index, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Schedule returns the stored schedule of one trial.
func (r *SQLiteRecorder) Schedule(ctx context.Context, protocol string, mode IDMode, index uint64) ([]int, error) {
	var v string
	err := r.db.QueryRowContext(ctx,
		"SELECT schedule FROM trials WHERE protocol = ? AND mode = ? AND trial = ?",
		protocol, string(mode), int64(index)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s #%d", ErrTrialNotFound, protocol, mode, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trial: %w", err)
	}
	return ParseSchedule(v)
}

// Report summarizes stored trials of protocol in mode, keeping up to
// samples trial indices per broken invariant.
func (r *SQLiteRecorder) Report(ctx context.Context, protocol string, mode IDMode, samples int) (*Report, error) {
	rep := &Report{Protocol: protocol, Mode: mode}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(failed), 0), COALESCE(MAX(final_blob_count), 0)
		FROM trials WHERE protocol = ? AND mode = ?`,
		protocol, string(mode)).Scan(&rep.Trials, &rep.Failed, &rep.MaxFinalBlobs)
	if err != nil {
		return nil, fmt.Errorf("failed to count trials: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT invariant, phase, COUNT(DISTINCT trial)
		FROM trial_violations WHERE protocol = ? AND mode = ?
		GROUP BY invariant, phase ORDER BY invariant, phase`,
		protocol, string(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to group violations: %w", err)
	}
	for rows.Next() {
		var c InvariantCount
		if err := rows.Scan(&c.Invariant, &c.Phase, &c.Trials); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan violation group: %w", err)
		}
		rep.Invariants = append(rep.Invariants, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read violation groups: %w", err)
	}
	rows.Close()

	for i := range rep.Invariants {
		c := &rep.Invariants[i]
		srows, err := r.db.QueryContext(ctx, `
			SELECT DISTINCT trial FROM trial_violations
			WHERE protocol = ? AND mode = ? AND invariant = ? AND phase = ?
			ORDER BY trial LIMIT ?`,
			protocol, string(mode), c.Invariant, c.Phase, samples)
		if err != nil {
			return nil, fmt.Errorf("failed to sample violations: %w", err)
		}
		for srows.Next() {
			var idx int64
			if err := srows.Scan(&idx); err != nil {
				srows.Close()
				return nil, fmt.Errorf("failed to scan sample: %w", err)
			}
			c.Samples = append(c.Samples, uint64(idx))
		}
		srows.Close()
	}
	return rep, nil
}

// Close implements Recorder.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
