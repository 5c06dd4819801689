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
	"slices"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/memory"
)

// Fixture ids. The baseline is current, the prior id is the one before it.
const (
	BaselineID = "09"
	PriorID    = "08"
)

// FirstID is the first id handed to an actor.
const FirstID = 10

// BaselineSnapshot is the snapshot stored under BaselineID and on HEAD.
func BaselineSnapshot() datatypes.Snapshot {
	return datatypes.Snapshot{LastAppliedID: BaselineID, Data: []string{"seed", "base"}}
}

// PriorSnapshot is the snapshot stored under PriorID.
func PriorSnapshot() datatypes.Snapshot {
	return datatypes.Snapshot{LastAppliedID: PriorID, Data: []string{"seed"}}
}

// World is one trial's set of shared in-memory stores.
type World struct {
	Log       *memory.LogStore
	Snapshots *memory.SnapshotStore
	Pointer   *memory.Pointer
	Layout    stores.Layout
}

// NewWorld returns stores holding the fixture: blobs 08 and 09, HEAD equal
// to 09, and a pointer at 09 whose chain remembers 08.
func NewWorld() *World {
	w := &World{
		Log:       memory.NewLogStore(),
		Snapshots: memory.NewSnapshotStore(),
		Pointer:   memory.NewPointer(),
		Layout:    stores.DefaultLayout(),
	}
	ctx := context.Background()
	// Saving to a fresh in-memory store cannot fail.
	_ = w.Snapshots.Save(ctx, PriorSnapshot(), PriorID)
	_ = w.Snapshots.Save(ctx, BaselineSnapshot(), BaselineID)
	_ = w.Snapshots.Save(ctx, BaselineSnapshot(), "")
	w.Pointer.Set(memory.Record{Cur: BaselineID, Prv: []string{PriorID}})
	return w
}

// State is what a trial observes of the world at a checkpoint.
type State struct {
	Blobs    []string `json:"blobs"`
	Cur      string   `json:"cur"`
	Prv      []string `json:"prv"`
	Head     string   `json:"head"`
	HeadData []string `json:"head_data"`
	Log      []string `json:"log"`
}

// BlobCount is the number of snapshot blobs, HEAD excluded.
func (s State) BlobCount() int { return len(s.Blobs) }

// Capture reads the world without changing it.
func (w *World) Capture() State {
	ctx := context.Background()
	rec, _ := w.Pointer.Record()
	head, _ := w.Snapshots.Load(ctx, "")
	entries, _ := w.Log.QueryRange(ctx, w.Layout.OpsPartition(), "", "")

	logIDs := make([]string, len(entries))
	for i, e := range entries {
		logIDs[i] = e.ID
	}
	prv := rec.Prv
	if prv == nil {
		prv = []string{}
	}
	return State{
		Blobs:    w.Snapshots.IDs(),
		Cur:      rec.Cur,
		Prv:      prv,
		Head:     head.LastAppliedID,
		HeadData: slices.Clone(head.Data),
		Log:      logIDs,
	}
}

// entries returns every logged operation.
func (w *World) entries() []datatypes.Entry {
	entries, _ := w.Log.QueryRange(context.Background(), w.Layout.OpsPartition(), "", "")
	return entries
}
