// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ids generates the totally ordered identifiers that key log entries
// and snapshot blobs.
package ids

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Generator produces identifiers strictly greater than a floor.
//
// # Description
//
// Next returns a fresh identifier. If floor is empty any fresh identifier is
// acceptable; otherwise the result compares strictly greater than floor
// under plain string comparison.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Generator interface {
	Next(ctx context.Context, floor string) (string, error)
}

// =============================================================================
// ULID generator
// =============================================================================

// ULID generates 26-character Crockford base32 ULIDs.
//
// # Description
//
// Identifiers combine a 48-bit millisecond timestamp with 80 bits of
// monotonic entropy, so two identifiers drawn by the same generator always
// sort in draw order even inside one millisecond.
//
// A floor produced by another process with a clock ahead of ours cannot be
// beaten until our clock catches up. Next busy-retries in that case with no
// backoff and no bound; only ctx cancellation ends the loop early. With
// synchronized clocks the loop almost never takes a second turn.
//
// # Thread Safety
//
// Safe for concurrent use. The monotonic entropy source is guarded by a mutex.
type ULID struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewULID returns a generator backed by crypto/rand and the wall clock.
func NewULID() *ULID {
	return newULID(rand.Reader, time.Now)
}

func newULID(r io.Reader, now func() time.Time) *ULID {
	return &ULID{
		entropy: ulid.Monotonic(r, 0),
		now:     now,
	}
}

// Next implements Generator.
func (g *ULID) Next(ctx context.Context, floor string) (string, error) {
	for {
		id, err := g.fresh()
		if err == nil && (floor == "" || id > floor) {
			return id, nil
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("generating id above %q: %w", floor, err)
		}
	}
}

// fresh draws one identifier. Monotonic overflow inside a single
// millisecond surfaces as an error and is retried by Next.
func (g *ULID) fresh() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// =============================================================================
// Sequence generator
// =============================================================================

// Sequence hands out zero-padded decimal identifiers in draw order.
//
// It is deterministic, which makes it the generator of choice for schedule
// exploration where the same schedule must always produce the same ids.
// Each result is the next counter value, bumped past floor when needed.
type Sequence struct {
	mu    sync.Mutex
	next  int
	width int
}

// NewSequence starts a sequence at start, formatting values to width digits.
func NewSequence(start, width int) *Sequence {
	return &Sequence{next: start, width: width}
}

// Next implements Generator.
func (s *Sequence) Next(_ context.Context, floor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.format(s.next)
	if floor != "" && id <= floor {
		n, err := strconv.Atoi(floor)
		if err != nil {
			return "", fmt.Errorf("sequence floor %q is not decimal: %w", floor, err)
		}
		id = s.format(n + 1)
		s.next = n + 1
	}
	s.next++
	return id, nil
}

// peek returns the identifier the next call would return with no floor.
func (s *Sequence) peek() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format(s.next)
}

func (s *Sequence) format(n int) string {
	v := strconv.Itoa(n)
	for len(v) < s.width {
		v = "0" + v
	}
	return v
}

// Fixed always returns the same identifier. It fails when that identifier
// does not clear the floor, since returning it would break ordering.
type Fixed string

// ErrBelowFloor is returned by Fixed when its identifier does not exceed the floor.
var ErrBelowFloor = errors.New("fixed id does not exceed floor")

// Next implements Generator.
func (f Fixed) Next(_ context.Context, floor string) (string, error) {
	if floor != "" && string(f) <= floor {
		return "", fmt.Errorf("%w: %q <= %q", ErrBelowFloor, string(f), floor)
	}
	return string(f), nil
}
