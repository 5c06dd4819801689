// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stores

import (
	"strings"
	"time"
)

// Persisted names. Existing data depends on every one of these.
const (
	DefaultPartitionPrefix = "TEST"
	OpsSuffix              = "_OPE"
	MetaSuffix             = "_META"
	PointerKey             = "CURRENT_DB"
	PointerAttribute       = "cur"
	OperationAttribute     = "ope"
	TTLAttribute           = "expired"
	DefaultHeadKey         = "db.json"
	DefaultSnapshotPrefix  = "snapshot/"
	SnapshotSuffix         = ".json"
	DefaultTTL             = 60 * time.Second
)

// Layout maps logical names onto store keys.
type Layout struct {
	PartitionPrefix string
	HeadKey         string
	SnapshotPrefix  string
}

// DefaultLayout returns the layout used by every existing deployment.
func DefaultLayout() Layout {
	return Layout{
		PartitionPrefix: DefaultPartitionPrefix,
		HeadKey:         DefaultHeadKey,
		SnapshotPrefix:  DefaultSnapshotPrefix,
	}
}

// WithDefaults fills empty fields from DefaultLayout.
func (l Layout) WithDefaults() Layout {
	d := DefaultLayout()
	if l.PartitionPrefix == "" {
		l.PartitionPrefix = d.PartitionPrefix
	}
	if l.HeadKey == "" {
		l.HeadKey = d.HeadKey
	}
	if l.SnapshotPrefix == "" {
		l.SnapshotPrefix = d.SnapshotPrefix
	}
	return l
}

// OpsPartition is the log partition operations are appended to.
func (l Layout) OpsPartition() string {
	return l.PartitionPrefix + OpsSuffix
}

// MetaPartition is the partition holding the pointer record.
func (l Layout) MetaPartition() string {
	return l.PartitionPrefix + MetaSuffix
}

// ObjectKey maps a snapshot id to its object key. The empty id is HEAD.
func (l Layout) ObjectKey(id string) string {
	if id == "" {
		return l.HeadKey
	}
	return l.SnapshotPrefix + id + SnapshotSuffix
}

// SnapshotID is the inverse of ObjectKey for blob keys. ok is false for
// HEAD and for keys outside the snapshot prefix.
func (l Layout) SnapshotID(key string) (id string, ok bool) {
	if !strings.HasPrefix(key, l.SnapshotPrefix) || !strings.HasSuffix(key, SnapshotSuffix) {
		return "", false
	}
	id = strings.TrimSuffix(strings.TrimPrefix(key, l.SnapshotPrefix), SnapshotSuffix)
	return id, id != ""
}
