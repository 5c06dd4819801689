// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
)

func runSubmit(cmd *cobra.Command, args []string) error {
	c := newQueueClient(serverURL, basePath, clientTimeout)
	ctx := cmd.Context()

	if dropAll {
		if len(args) > 0 {
			return errors.New("--drop takes no payload")
		}
		res, err := c.Drop(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}

	if len(args) != 1 {
		return errors.New("submit needs exactly one payload, or --drop")
	}
	res, err := c.Insert(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runGet(cmd *cobra.Command, _ []string) error {
	c := newQueueClient(serverURL, basePath, clientTimeout)
	snap, err := c.Get(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runLoad(cmd *cobra.Command, _ []string) error {
	c := newQueueClient(serverURL, basePath, clientTimeout)
	stats, err := driveLoad(cmd.Context(), c, loadRequests, loadWorkers, loadPrefix)
	if err != nil {
		return err
	}
	stats.writeTo(cmd.OutOrStdout())
	if stats.Missing > 0 {
		return fmt.Errorf("%d acknowledged payloads missing from the snapshot", stats.Missing)
	}
	return nil
}

// loadStats summarizes one load run.
type loadStats struct {
	Requests int
	Failed   int
	Missing  int
	Elapsed  time.Duration
	P50      time.Duration
	P95      time.Duration
	Max      time.Duration
}

func (s loadStats) writeTo(w io.Writer) {
	fmt.Fprintf(w, "requests:  %d\n", s.Requests)
	fmt.Fprintf(w, "failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "missing:   %d\n", s.Missing)
	fmt.Fprintf(w, "elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "latency:   p50=%s p95=%s max=%s\n",
		s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond), s.Max.Round(time.Microsecond))
}

// driveLoad sends n inserts with at most workers in flight, then reads the
// snapshot and counts acknowledged payloads that are not in it. Failed
// inserts are counted, not returned; only the final read can fail the run.
func driveLoad(ctx context.Context, c *queueClient, n, workers int, prefix string) (loadStats, error) {
	if n <= 0 {
		return loadStats{}, errors.New("requests must be positive")
	}
	if workers <= 0 {
		workers = 1
	}

	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, n)
		acked     = make([]string, 0, n)
		failed    int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range n {
		payload := fmt.Sprintf("%s-%d", prefix, i)
		g.Go(func() error {
			t0 := time.Now()
			res, err := c.Insert(gctx, payload)
			d := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, d)
			if err != nil || res.Status != datatypes.StatusOK {
				failed++
				return nil
			}
			acked = append(acked, payload)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return loadStats{}, err
	}
	elapsed := time.Since(start)

	snap, err := c.Get(ctx)
	if err != nil {
		return loadStats{}, fmt.Errorf("read final snapshot: %w", err)
	}
	present := make(map[string]struct{}, len(snap.Data))
	for _, d := range snap.Data {
		present[d] = struct{}{}
	}
	missing := 0
	for _, p := range acked {
		if _, ok := present[p]; !ok {
			missing++
		}
	}

	slices.Sort(latencies)
	return loadStats{
		Requests: n,
		Failed:   failed,
		Missing:  missing,
		Elapsed:  elapsed,
		P50:      percentile(latencies, 0.50),
		P95:      percentile(latencies, 0.95),
		Max:      percentile(latencies, 1),
	}, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Ceil(float64(len(sorted))*p)) - 1
	i = max(0, min(i, len(sorted)-1))
	return sorted[i]
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
