// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// -----------------------------------------------------------------------------
// Store Errors
// -----------------------------------------------------------------------------

var (
	// ErrWrite is returned when an append or snapshot write fails.
	// It is never retried internally; the caller owns retry policy.
	ErrWrite = errors.New("store write failed")

	// ErrStore is returned for read failures other than a missing key.
	ErrStore = errors.New("store read failed")

	// ErrInvalidMethod is returned when a submission names an unknown method.
	ErrInvalidMethod = errors.New("invalid operation method")
)
