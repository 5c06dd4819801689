// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value records shared by the operation queue:
// operations appended to the log, the snapshots folded from them, and the
// per-call result returned to clients.
//
// The JSON field names are the persisted layout. Snapshots written by any
// earlier deployment use "skey"/"data" and operations use "v"/"m"/"d", so
// these tags must not change.
package datatypes

import "slices"

// Method identifies what an operation does to the snapshot data.
type Method string

const (
	// MethodInsert appends the operation payload to the snapshot data.
	MethodInsert Method = "insert"

	// MethodDrop clears the snapshot data.
	MethodDrop Method = "drop"
)

// OperationVersion is the only operation encoding version written today.
const OperationVersion = "1"

// Operation is one immutable entry of the ordered log.
type Operation struct {
	Version string `json:"v"`
	Method  Method `json:"m"`
	Payload string `json:"d"`
}

// NewOperation builds an operation with the current encoding version.
func NewOperation(method Method, payload string) Operation {
	return Operation{Version: OperationVersion, Method: method, Payload: payload}
}

// Entry pairs a log operation with the identifier it was appended under.
type Entry struct {
	ID        string    `json:"id"`
	Operation Operation `json:"ope"`
}

// Snapshot is the fold of every operation with id <= LastAppliedID.
//
// An empty LastAppliedID means no operation has been applied; that is the
// legitimate representation of an empty database, not an error.
type Snapshot struct {
	LastAppliedID string   `json:"skey,omitempty"`
	Data          []string `json:"data"`
}

// EmptySnapshot returns the snapshot of a database with no applied operations.
func EmptySnapshot() Snapshot {
	return Snapshot{Data: []string{}}
}

// Clone returns a copy that shares no backing array with s.
func (s Snapshot) Clone() Snapshot {
	data := slices.Clone(s.Data)
	if data == nil {
		data = []string{}
	}
	return Snapshot{LastAppliedID: s.LastAppliedID, Data: data}
}

// Equal reports whether two snapshots carry the same id and data.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.LastAppliedID == other.LastAppliedID && slices.Equal(s.Data, other.Data)
}

// Status values carried by Result.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is what a client receives for its own operation.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK is the result of an operation that applied cleanly.
func OK() Result {
	return Result{Status: StatusOK, Message: ""}
}

// InternalErrorMessage is the only error detail sent to clients.
const InternalErrorMessage = "internal error"

// InternalError is the body of every 500 response.
func InternalError() Result {
	return Result{Status: StatusError, Message: InternalErrorMessage}
}
