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
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/storage/badger"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// pointerItem is the stored pointer record.
type pointerItem struct {
	CKey string `json:"ckey"`
	SKey string `json:"skey"`
	Cur  string `json:"cur"`
}

// Pointer is a stores.Pointer on BadgerDB.
//
// # Description
//
// Advance reads the record and writes the candidate in one optimistic
// transaction. Two racing advances touch the same key, so at most one
// commits per round; the loser re-runs against the winner's value. That
// re-run is transaction plumbing and never turns a rejected candidate
// into an accepted one.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pointer struct {
	db        *badger.DB
	key       []byte
	partition string
	logger    *slog.Logger

	// OnConflict, when set, is told how many optimistic conflicts one
	// Advance lost. Used for metrics.
	OnConflict func(n int)
}

var _ stores.Pointer = (*Pointer)(nil)

// NewPointer returns the pointer record for layout. logger may be nil.
func NewPointer(db *badger.DB, layout stores.Layout, logger *slog.Logger) *Pointer {
	layout = layout.WithDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	partition := layout.MetaPartition()
	return &Pointer{
		db:        db,
		key:       []byte(metaPrefix + partition + "/" + stores.PointerKey),
		partition: partition,
		logger:    logger.With(slog.String("component", "badger_pointer")),
	}
}

func readPointer(txn *dgbadger.Txn, key []byte) (string, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var rec pointerItem
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return "", false, err
	}
	return rec.Cur, true, nil
}

// Advance implements stores.Pointer.
func (p *Pointer) Advance(ctx context.Context, candidate string) (bool, error) {
	val, err := json.Marshal(pointerItem{CKey: p.partition, SKey: stores.PointerKey, Cur: candidate})
	if err != nil {
		return false, fmt.Errorf("%w: encode pointer: %w", datatypes.ErrWrite, err)
	}

	var accepted bool
	conflicts, err := p.db.UpdateWithRetry(ctx, func(txn *dgbadger.Txn) error {
		accepted = false
		cur, exists, err := readPointer(txn, p.key)
		if err != nil {
			return err
		}
		if exists && candidate <= cur {
			return nil
		}
		accepted = true
		return txn.Set(p.key, val)
	})
	if conflicts > 0 {
		p.logger.Debug("pointer advance retried after conflicts",
			slog.String("candidate", candidate),
			slog.Int("conflicts", conflicts))
		if p.OnConflict != nil {
			p.OnConflict(conflicts)
		}
	}
	if err != nil {
		return false, fmt.Errorf("%w: advance pointer to %q: %w", datatypes.ErrWrite, candidate, err)
	}
	return accepted, nil
}

// Current implements stores.Pointer.
func (p *Pointer) Current(ctx context.Context) (string, error) {
	var cur string
	err := p.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		cur, _, err = readPointer(txn, p.key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: read pointer: %w", datatypes.ErrStore, err)
	}
	return cur, nil
}
