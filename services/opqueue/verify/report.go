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
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
)

// InvariantCount is how many trials broke one invariant at one phase.
type InvariantCount struct {
	Invariant string   `json:"invariant"`
	Phase     string   `json:"phase"`
	Trials    uint64   `json:"trials"`
	Samples   []uint64 `json:"samples"`
}

// Report summarizes a set of trials.
type Report struct {
	Protocol      string           `json:"protocol"`
	Mode          IDMode           `json:"mode"`
	Trials        uint64           `json:"trials"`
	Failed        uint64           `json:"failed"`
	MaxFinalBlobs int              `json:"max_final_blobs"`
	Invariants    []InvariantCount `json:"invariants"`
}

// Passed reports whether no trial broke an invariant.
func (r *Report) Passed() bool { return r.Failed == 0 }

// Count returns the number of trials that broke invariant at any phase.
// A trial breaking it at both phases counts twice.
func (r *Report) Count(invariant string) uint64 {
	var n uint64
	for _, c := range r.Invariants {
		if c.Invariant == invariant {
			n += c.Trials
		}
	}
	return n
}

// WriteTo prints the report as plain text.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "protocol:   %s (%s)\n", r.Protocol, r.Mode)
	fmt.Fprintf(&b, "trials:     %d\n", r.Trials)
	fmt.Fprintf(&b, "failed:     %d\n", r.Failed)
	fmt.Fprintf(&b, "max blobs:  %d\n", r.MaxFinalBlobs)
	if len(r.Invariants) == 0 {
		b.WriteString("all invariants held\n")
	}
	for _, c := range r.Invariants {
		samples := make([]string, len(c.Samples))
		for i, s := range c.Samples {
			samples[i] = fmt.Sprint(s)
		}
		fmt.Fprintf(&b, "  %-22s %-7s %10d  e.g. %s\n", c.Invariant, c.Phase, c.Trials, strings.Join(samples, ", "))
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// tally accumulates a Report from trials as they complete.
type tally struct {
	report  Report
	samples int
	groups  map[[2]string]*InvariantCount
}

func newTally(p Protocol, samples int) *tally {
	return &tally{
		report:  Report{Protocol: p.Name(), Mode: p.Mode()},
		samples: samples,
		groups:  make(map[[2]string]*InvariantCount),
	}
}

func (t *tally) add(trial *Trial) {
	t.report.Trials++
	t.report.MaxFinalBlobs = max(t.report.MaxFinalBlobs, trial.Final.BlobCount())
	if !trial.Failed() {
		return
	}
	t.report.Failed++

	seen := make(map[[2]string]bool)
	for _, v := range trial.Violations {
		key := [2]string{v.Invariant, v.Phase}
		if seen[key] {
			continue
		}
		seen[key] = true
		c, ok := t.groups[key]
		if !ok {
			c = &InvariantCount{Invariant: v.Invariant, Phase: v.Phase}
			t.groups[key] = c
		}
		c.Trials++
		if len(c.Samples) < t.samples {
			c.Samples = append(c.Samples, trial.Index)
		}
	}
}

// result returns the report with invariants sorted and samples ascending.
func (t *tally) result() *Report {
	r := t.report
	r.Invariants = nil
	for _, c := range t.groups {
		c := *c
		slices.Sort(c.Samples)
		r.Invariants = append(r.Invariants, c)
	}
	slices.SortFunc(r.Invariants, func(a, b InvariantCount) int {
		return cmp.Or(cmp.Compare(a.Invariant, b.Invariant), cmp.Compare(a.Phase, b.Phase))
	})
	return &r
}
