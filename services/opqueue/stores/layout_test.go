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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()

	assert.Equal(t, "TEST_OPE", l.OpsPartition())
	assert.Equal(t, "TEST_META", l.MetaPartition())
	assert.Equal(t, "db.json", l.ObjectKey(""))
	assert.Equal(t, "snapshot/01HZX.json", l.ObjectKey("01HZX"))
}

func TestLayout_WithDefaults(t *testing.T) {
	l := Layout{PartitionPrefix: "PROD"}.WithDefaults()

	assert.Equal(t, "PROD_OPE", l.OpsPartition())
	assert.Equal(t, DefaultHeadKey, l.HeadKey)
	assert.Equal(t, DefaultSnapshotPrefix, l.SnapshotPrefix)
}

func TestLayout_SnapshotID(t *testing.T) {
	l := DefaultLayout()

	id, ok := l.SnapshotID("snapshot/09.json")
	assert.True(t, ok)
	assert.Equal(t, "09", id)

	_, ok = l.SnapshotID("db.json")
	assert.False(t, ok)

	_, ok = l.SnapshotID("snapshot/.json")
	assert.False(t, ok)
}
