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
	"io"

	"cloud.google.com/go/storage"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

type pointerDoc struct {
	Cur string `json:"cur"`
}

// Pointer is a stores.Pointer stored as one object whose generation number
// serves as the compare-and-swap token.
//
// # Description
//
// Advance reads the record and its generation, decides, and writes with a
// precondition on that generation (or on absence). A failed precondition
// means another writer changed the record in between; Advance re-reads and
// decides again. Each lost round means someone else made progress, so the
// loop ends.
//
// # Thread Safety
//
// Safe for concurrent use, across processes.
type Pointer struct {
	client *Client
	name   string

	// OnConflict, when set, is told how many precondition races one
	// Advance lost.
	OnConflict func(n int)
}

var _ stores.Pointer = (*Pointer)(nil)

// NewPointer returns the pointer record for layout on client's bucket.
func NewPointer(client *Client, layout stores.Layout) *Pointer {
	layout = layout.WithDefaults()
	return &Pointer{
		client: client,
		name:   layout.MetaPartition() + "/" + stores.PointerKey,
	}
}

// read returns the stored id and generation. gen is 0 when absent.
func (p *Pointer) read(ctx context.Context) (cur string, gen int64, err error) {
	r, err := p.client.object(p.name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	var doc pointerDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", 0, err
	}
	return doc.Cur, r.Attrs.Generation, nil
}

// Advance implements stores.Pointer.
func (p *Pointer) Advance(ctx context.Context, candidate string) (bool, error) {
	body, err := json.Marshal(pointerDoc{Cur: candidate})
	if err != nil {
		return false, fmt.Errorf("%w: encode pointer: %w", datatypes.ErrWrite, err)
	}

	for lost := 0; ; lost++ {
		cur, gen, err := p.read(ctx)
		if err != nil {
			return false, fmt.Errorf("%w: read pointer gs://%s/%s: %w", datatypes.ErrStore, p.client.BucketName, p.name, err)
		}
		if gen != 0 && candidate <= cur {
			p.reportConflicts(lost)
			return false, nil
		}

		cond := storage.Conditions{DoesNotExist: true}
		if gen != 0 {
			cond = storage.Conditions{GenerationMatch: gen}
		}
		w := p.client.object(p.name).If(cond).NewWriter(ctx)
		w.ContentType = "application/json"
		w.CacheControl = "no-cache, no-store, must-revalidate"
		_, werr := w.Write(body)
		cerr := w.Close()
		if werr == nil && cerr == nil {
			p.reportConflicts(lost)
			return true, nil
		}
		if isPreconditionFailed(cerr) || isPreconditionFailed(werr) {
			continue
		}
		return false, fmt.Errorf("%w: write pointer gs://%s/%s: %w", datatypes.ErrWrite, p.client.BucketName, p.name, errors.Join(werr, cerr))
	}
}

func (p *Pointer) reportConflicts(n int) {
	if n > 0 && p.OnConflict != nil {
		p.OnConflict(n)
	}
}

// Current implements stores.Pointer.
func (p *Pointer) Current(ctx context.Context) (string, error) {
	cur, _, err := p.read(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: read pointer gs://%s/%s: %w", datatypes.ErrStore, p.client.BucketName, p.name, err)
	}
	return cur, nil
}
