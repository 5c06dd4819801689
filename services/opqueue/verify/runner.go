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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RunnerConfig configures an exhaustive run.
type RunnerConfig struct {
	// Protocol under test. Required.
	Protocol Protocol

	// Recorder receives every trial. Nil records nothing.
	Recorder Recorder

	// Workers running trials in parallel. Defaults to GOMAXPROCS.
	Workers int

	// Start is the first schedule index; Limit caps how many are run.
	// Zero Limit runs to the end of the space.
	Start uint64
	Limit uint64

	// BatchSize is the number of trials per Recorder call. Default 1000.
	BatchSize int

	// ProgressInterval throttles progress lines. Default 5s.
	ProgressInterval time.Duration

	// Samples is the number of trial indices kept per broken invariant in
	// the returned report. Default 5.
	Samples int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *RunnerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.Samples <= 0 {
		c.Samples = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Runner enumerates schedules and runs them as trials.
type Runner struct {
	cfg        RunnerConfig
	logger     *slog.Logger
	trials     metric.Int64Counter
	violations metric.Int64Counter
}

// NewRunner validates cfg. Trial counters go to the global OTel meter
// provider, a no-op unless telemetry.Init installed one.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("runner requires a protocol")
	}
	cfg.applyDefaults()

	meter := otel.Meter("opqueue.verify")
	trials, err := meter.Int64Counter("opqueue.verify.trials",
		metric.WithDescription("Trials run, by protocol, mode and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create trial counter: %w", err)
	}
	violations, err := meter.Int64Counter("opqueue.verify.violations",
		metric.WithDescription("Broken invariants, by invariant and phase"))
	if err != nil {
		return nil, fmt.Errorf("create violation counter: %w", err)
	}

	return &Runner{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "verify"), slog.String("protocol", cfg.Protocol.Name())),
		trials:     trials,
		violations: violations,
	}, nil
}

func (r *Runner) count(ctx context.Context, t *Trial) {
	r.trials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", t.Protocol),
		attribute.String("mode", string(t.Mode)),
		attribute.Bool("failed", t.Failed())))
	for _, v := range t.Violations {
		r.violations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("invariant", v.Invariant),
			attribute.String("phase", v.Phase)))
	}
}

type job struct {
	index    uint64
	schedule []int
}

// Run executes every selected schedule and returns the summary.
//
// # Description
//
// A producer walks the schedule space in lexicographic order, a pool of
// workers runs trials, and a single consumer tallies results and hands
// batches to the Recorder. Recorder failures and trial setup errors stop
// the run; broken invariants do not.
//
// # Outputs
//
//   - *Report: Summary of the trials that completed.
//   - error: First failure, or ctx.Err() if cancelled.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	p := r.cfg.Protocol
	total, err := Count(p.Racing(), Steps(p))
	if err != nil {
		return nil, err
	}
	if r.cfg.Start >= total {
		return nil, fmt.Errorf("%w: start %d of %d", ErrScheduleSpace, r.cfg.Start, total)
	}
	planned := total - r.cfg.Start
	if r.cfg.Limit > 0 && r.cfg.Limit < planned {
		planned = r.cfg.Limit
	}

	r.logger.Info("verification started",
		slog.String("mode", string(p.Mode())),
		slog.Int("racing", p.Racing()),
		slog.Int("steps", Steps(p)),
		slog.Uint64("space", total),
		slog.Uint64("start", r.cfg.Start),
		slog.Uint64("planned", planned),
		slog.Int("workers", r.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan job, r.cfg.Workers*4)
	results := make(chan *Trial, r.cfg.Workers*4)

	g.Go(func() error {
		defer close(jobs)
		var sent uint64
		for i, s := range Schedules(p.Racing(), Steps(p), r.cfg.Start) {
			if sent == planned {
				return nil
			}
			select {
			case jobs <- job{index: i, schedule: append([]int(nil), s...)}:
				sent++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for j := range jobs {
				t, err := RunTrial(gctx, p, j.index, j.schedule, false)
				if err != nil {
					return fmt.Errorf("trial %d: %w", j.index, err)
				}
				select {
				case results <- t:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	tl := newTally(p, r.cfg.Samples)
	start := time.Now()
	progress := rate.Sometimes{Interval: r.cfg.ProgressInterval}

	g.Go(func() error {
		batch := make([]*Trial, 0, r.cfg.BatchSize)
		flush := func() error {
			if r.cfg.Recorder == nil || len(batch) == 0 {
				batch = batch[:0]
				return nil
			}
			if err := r.cfg.Recorder.Record(gctx, batch); err != nil {
				return fmt.Errorf("record trials: %w", err)
			}
			batch = batch[:0]
			return nil
		}

		for t := range results {
			tl.add(t)
			r.count(gctx, t)
			batch = append(batch, t)
			if len(batch) == cap(batch) {
				if err := flush(); err != nil {
					return err
				}
			}
			progress.Do(func() { r.logProgress(tl.report.Trials, planned, tl.report.Failed, start) })
		}
		return flush()
	})

	err = g.Wait()
	rep := tl.result()
	r.logger.Info("verification finished",
		slog.Uint64("trials", rep.Trials),
		slog.Uint64("failed", rep.Failed),
		slog.Int("max_final_blobs", rep.MaxFinalBlobs),
		slog.Duration("elapsed", time.Since(start)))
	return rep, err
}

func (r *Runner) logProgress(done, planned, failed uint64, start time.Time) {
	if done == 0 {
		return
	}
	elapsed := time.Since(start)
	per := elapsed / time.Duration(done)
	remaining := time.Duration(planned-done) * per
	r.logger.Info("verification progress",
		slog.Uint64("done", done),
		slog.Uint64("planned", planned),
		slog.Uint64("failed", failed),
		slog.Duration("remaining", remaining.Round(time.Second)))
}

// Replay re-runs the schedule at index with a full trace.
func Replay(ctx context.Context, p Protocol, index uint64) (*Trial, error) {
	s, err := Unrank(p.Racing(), Steps(p), index)
	if err != nil {
		return nil, err
	}
	return RunTrial(ctx, p, index, s, true)
}

// WriteTrace prints a traced trial step by step.
func WriteTrace(w io.Writer, t *Trial) error {
	if _, err := fmt.Fprintf(w, "trial %d  %s (%s)  schedule %s\n", t.Index, t.Protocol, t.Mode, FormatSchedule(t.Schedule)); err != nil {
		return err
	}
	for _, ev := range t.Trace {
		line := fmt.Sprintf("%3d  %s %-22s cur=%-3s prv=%v head=%-3s blobs=%v log=%v",
			ev.Slot, ev.Actor, ev.Step, ev.After.Cur, ev.After.Prv, ev.After.Head, ev.After.Blobs, ev.After.Log)
		if ev.Err != "" {
			line += "  error: " + ev.Err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	for _, phase := range []struct {
		name  string
		state State
	}{{PhaseRacing, t.Racing}, {PhaseFinal, t.Final}} {
		if _, err := fmt.Fprintf(w, "%-7s cur=%s prv=%v head=%s data=%v blobs=%v\n",
			phase.name, phase.state.Cur, phase.state.Prv, phase.state.Head, phase.state.HeadData, phase.state.Blobs); err != nil {
			return err
		}
	}
	for _, o := range t.Outcomes {
		if _, err := fmt.Fprintf(w, "actor %s id=%s folded=%s finished=%t status=%s err=%s\n",
			o.Actor, o.ID, o.Folded, o.Finished, o.Result.Status, o.Err); err != nil {
			return err
		}
	}
	for _, v := range t.Violations {
		if _, err := fmt.Fprintf(w, "VIOLATION %s at %s: %s\n", v.Invariant, v.Phase, v.Detail); err != nil {
			return err
		}
	}
	return nil
}
