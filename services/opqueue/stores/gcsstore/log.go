// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// LogStore is a stores.LogStore with one object per entry.
//
// # Description
//
// Entry objects are named <partition>/<id>. The operation and the expiry
// instant are carried in object metadata under the persisted attribute
// names, so a single listing answers QueryRange without reading bodies.
// Object listing in GCS is strongly consistent.
//
// Bucket lifecycle rules only work in whole days, so expiry is enforced at
// read time: entries whose expiry has passed are skipped. A lifecycle rule
// deleting the partition prefix after one day keeps the bucket bounded.
//
// # Thread Safety
//
// Safe for concurrent use, across processes.
type LogStore struct {
	client *Client
	now    func() time.Time
}

var _ stores.LogStore = (*LogStore)(nil)

// NewLogStore returns a log on client's bucket.
func NewLogStore(client *Client) *LogStore {
	return &LogStore{client: client, now: time.Now}
}

func entryName(partition, id string) string {
	return partition + "/" + id
}

// entryMetadata encodes op and its expiry as object metadata.
func entryMetadata(op datatypes.Operation, expires time.Time) (map[string]string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	md := map[string]string{stores.OperationAttribute: string(raw)}
	if !expires.IsZero() {
		md[stores.TTLAttribute] = strconv.FormatInt(expires.Unix(), 10)
	}
	return md, nil
}

// decodeEntry is the inverse of entryMetadata. expired reports whether the
// entry's TTL has passed at now.
func decodeEntry(md map[string]string, now time.Time) (op datatypes.Operation, expired bool, err error) {
	if ts, ok := md[stores.TTLAttribute]; ok {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return op, false, fmt.Errorf("bad %s attribute %q: %w", stores.TTLAttribute, ts, err)
		}
		if !now.Before(time.Unix(sec, 0)) {
			return op, true, nil
		}
	}
	raw, ok := md[stores.OperationAttribute]
	if !ok {
		return op, false, fmt.Errorf("missing %s attribute", stores.OperationAttribute)
	}
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return op, false, fmt.Errorf("bad %s attribute: %w", stores.OperationAttribute, err)
	}
	return op, false, nil
}

// Append implements stores.LogStore. A DoesNotExist precondition makes the
// write a put-if-absent; losing it means the id is already stored.
func (l *LogStore) Append(ctx context.Context, partition, id string, op datatypes.Operation, ttl time.Duration) error {
	name := entryName(partition, id)
	var expires time.Time
	if ttl > 0 {
		expires = l.now().Add(ttl)
	}
	md, err := entryMetadata(op, expires)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", datatypes.ErrWrite, name, err)
	}

	w := l.client.object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = md
	_, werr := w.Write([]byte(md[stores.OperationAttribute]))
	cerr := w.Close()
	if isPreconditionFailed(cerr) || isPreconditionFailed(werr) {
		return nil
	}
	if werr != nil || cerr != nil {
		return fmt.Errorf("%w: append gs://%s/%s: %w", datatypes.ErrWrite, l.client.BucketName, name, errors.Join(werr, cerr))
	}
	return nil
}

// QueryRange implements stores.LogStore.
func (l *LogStore) QueryRange(ctx context.Context, partition, from, to string) ([]datatypes.Entry, error) {
	prefix := partition + "/"
	q := &storage.Query{Prefix: prefix}
	if from != "" {
		q.StartOffset = prefix + from
	}
	if to != "" {
		// EndOffset is exclusive; the smallest name after prefix+to.
		q.EndOffset = prefix + to + "\x00"
	}
	if err := q.SetAttrSelection([]string{"Name", "Metadata"}); err != nil {
		return nil, fmt.Errorf("%w: build query: %w", datatypes.ErrStore, err)
	}

	now := l.now()
	var out []datatypes.Entry
	it := l.client.bucket.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list gs://%s/%s: %w", datatypes.ErrStore, l.client.BucketName, prefix, err)
		}
		id := strings.TrimPrefix(attrs.Name, prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		op, expired, err := decodeEntry(attrs.Metadata, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", datatypes.ErrStore, attrs.Name, err)
		}
		if expired {
			continue
		}
		out = append(out, datatypes.Entry{ID: id, Operation: op})
	}
	return out, nil
}
