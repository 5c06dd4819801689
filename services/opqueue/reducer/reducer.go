// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reducer folds log operations into snapshots.
//
// Everything here is pure: inputs are never mutated and the same inputs
// always produce the same output.
package reducer

import (
	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
)

// Apply returns the snapshot produced by applying op to snap.
//
// insert appends the payload, drop clears the data. Unknown methods leave
// the data unchanged. The result is always OK; the return value exists so
// validation can be added without changing callers.
//
// LastAppliedID is carried over unchanged; Fold advances it.
func Apply(snap datatypes.Snapshot, op datatypes.Operation) (datatypes.Snapshot, datatypes.Result) {
	next := snap.Clone()
	switch op.Method {
	case datatypes.MethodInsert:
		next.Data = append(next.Data, op.Payload)
	case datatypes.MethodDrop:
		next.Data = []string{}
	}
	return next, datatypes.OK()
}

// Fold applies entries to base in order.
//
// # Description
//
// Entries whose id is not greater than base.LastAppliedID are skipped since
// base already reflects them. After each applied entry LastAppliedID becomes
// that entry's id. If one of the applied entries has id own, its result is
// returned with found=true.
//
// # Inputs
//
//   - base: Snapshot to fold onto. Not modified.
//   - entries: Log entries sorted by id ascending.
//   - own: Id whose result the caller wants. May be empty.
//
// # Outputs
//
//   - datatypes.Snapshot: The folded snapshot.
//   - datatypes.Result: Result of the own entry, zero if not found.
//   - bool: Whether the own entry was applied.
func Fold(base datatypes.Snapshot, entries []datatypes.Entry, own string) (datatypes.Snapshot, datatypes.Result, bool) {
	snap := base.Clone()
	var (
		result datatypes.Result
		found  bool
	)
	for _, e := range entries {
		if snap.LastAppliedID != "" && e.ID <= snap.LastAppliedID {
			continue
		}
		var r datatypes.Result
		snap, r = Apply(snap, e.Operation)
		snap.LastAppliedID = e.ID
		if own != "" && e.ID == own {
			result, found = r, true
		}
	}
	return snap, result, found
}
