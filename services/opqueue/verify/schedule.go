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
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"strconv"
	"strings"
)

// ErrScheduleSpace is returned when a schedule space cannot be counted in
// 64 bits or an index falls outside it.
var ErrScheduleSpace = errors.New("schedule space out of range")

// A schedule lists, slot by slot, which actor runs its next step. Actor i
// appears exactly steps times and its own steps keep their order, so the
// schedules of n actors are the multiset permutations of
// [0 x steps, 1 x steps, ..., n-1 x steps].

// binomial returns C(n, k).
func binomial(n, k int) (uint64, error) {
	if k < 0 || k > n {
		return 0, nil
	}
	if k > n-k {
		k = n - k
	}
	r := uint64(1)
	for i := 0; i < k; i++ {
		hi, lo := bits.Mul64(r, uint64(n-i))
		if hi != 0 {
			return 0, fmt.Errorf("%w: C(%d,%d)", ErrScheduleSpace, n, k)
		}
		r = lo / uint64(i+1)
	}
	return r, nil
}

// arrangements counts the distinct orderings of a multiset with the given
// per-actor counts.
func arrangements(counts []int) (uint64, error) {
	total := uint64(1)
	n := 0
	for _, c := range counts {
		n += c
		b, err := binomial(n, c)
		if err != nil {
			return 0, err
		}
		hi, lo := bits.Mul64(total, b)
		if hi != 0 {
			return 0, fmt.Errorf("%w: %v", ErrScheduleSpace, counts)
		}
		total = lo
	}
	return total, nil
}

func uniform(actors, steps int) []int {
	counts := make([]int, actors)
	for i := range counts {
		counts[i] = steps
	}
	return counts
}

// Count returns (actors*steps)! / (steps!)^actors.
func Count(actors, steps int) (uint64, error) {
	if actors < 1 || steps < 1 {
		return 0, fmt.Errorf("%w: %d actors x %d steps", ErrScheduleSpace, actors, steps)
	}
	return arrangements(uniform(actors, steps))
}

// Unrank returns the schedule at position index in lexicographic order.
func Unrank(actors, steps int, index uint64) ([]int, error) {
	total, err := Count(actors, steps)
	if err != nil {
		return nil, err
	}
	if index >= total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrScheduleSpace, index, total)
	}

	counts := uniform(actors, steps)
	schedule := make([]int, 0, actors*steps)
	for len(schedule) < actors*steps {
		for a := range counts {
			if counts[a] == 0 {
				continue
			}
			counts[a]--
			below, err := arrangements(counts)
			if err != nil {
				return nil, err
			}
			if index < below {
				schedule = append(schedule, a)
				break
			}
			counts[a]++
			index -= below
		}
	}
	return schedule, nil
}

// nextPermutation advances s to its lexicographic successor in place and
// reports false once s was the last permutation.
func nextPermutation(s []int) bool {
	i := len(s) - 2
	for i >= 0 && s[i] >= s[i+1] {
		i--
	}
	if i < 0 {
		return false
	}
	j := len(s) - 1
	for s[j] <= s[i] {
		j--
	}
	s[i], s[j] = s[j], s[i]
	for l, r := i+1, len(s)-1; l < r; l, r = l+1, r-1 {
		s[l], s[r] = s[r], s[l]
	}
	return true
}

// Schedules yields every schedule from index start onward with its index.
// The yielded slice is reused between iterations; copy it to keep it.
func Schedules(actors, steps int, start uint64) iter.Seq2[uint64, []int] {
	return func(yield func(uint64, []int) bool) {
		s, err := Unrank(actors, steps, start)
		if err != nil {
			return
		}
		for i := start; ; i++ {
			if !yield(i, s) {
				return
			}
			if !nextPermutation(s) {
				return
			}
		}
	}
}

// FormatSchedule renders a schedule as one digit per slot, e.g. "001221".
func FormatSchedule(s []int) string {
	var b strings.Builder
	for _, a := range s {
		b.WriteString(strconv.Itoa(a))
	}
	return b.String()
}

// ParseSchedule is the inverse of FormatSchedule.
func ParseSchedule(v string) ([]int, error) {
	s := make([]int, len(v))
	for i, r := range v {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid schedule %q at slot %d", v, i)
		}
		s[i] = int(r - '0')
	}
	return s, nil
}
