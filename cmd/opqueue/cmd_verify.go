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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/opqueue/pkg/logging"
	"github.com/AleutianAI/opqueue/services/opqueue/telemetry"
	"github.com/AleutianAI/opqueue/services/opqueue/verify"
)

// errInvariantsBroken is returned by `verify run --strict`.
var errInvariantsBroken = errors.New("invariants broken")

func protocolFromFlags() (verify.Protocol, error) {
	mode, err := verify.ParseIDMode(verifyMode)
	if err != nil {
		return nil, err
	}
	return verify.NewProtocol(verifyProtocol, verifyRacing, mode)
}

// cliLogger logs to the command's stderr at --log-level, Info by default.
func cliLogger(cmd *cobra.Command) (*logging.Logger, error) {
	level := logging.LevelInfo
	if logLevel != "" {
		l, err := logging.ParseLevel(logLevel)
		if err != nil {
			return nil, err
		}
		level = l
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: "opqueue-verify",
		Output:  cmd.ErrOrStderr(),
	}), nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	p, err := protocolFromFlags()
	if err != nil {
		return err
	}
	logger, err := cliLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "opqueue-verify",
		Metrics:     verifyMetrics,
		Writer:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Slog().Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	var recorder verify.Recorder
	if verifyDB != "" {
		db, err := verify.OpenSQLite(verifyDB)
		if err != nil {
			return err
		}
		defer db.Close()
		if verifyReset {
			if err := db.Reset(ctx, p.Name(), p.Mode()); err != nil {
				return err
			}
		}
		recorder = db
	}

	runner, err := verify.NewRunner(verify.RunnerConfig{
		Protocol:  p,
		Recorder:  recorder,
		Workers:   verifyWorkers,
		Start:     verifyStart,
		Limit:     verifyLimit,
		BatchSize: verifyBatchSize,
		Samples:   verifySamples,
		Logger:    logger.Slog(),
	})
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if _, err := report.WriteTo(cmd.OutOrStdout()); err != nil {
		return err
	}
	if verifyStrict && !report.Passed() {
		return fmt.Errorf("%w: %d of %d trials failed", errInvariantsBroken, report.Failed, report.Trials)
	}
	return nil
}

func runReplay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	p, err := protocolFromFlags()
	if err != nil {
		return err
	}

	var trial *verify.Trial
	if verifyDB != "" {
		db, err := verify.OpenSQLite(verifyDB)
		if err != nil {
			return err
		}
		defer db.Close()
		schedule, err := db.Schedule(ctx, p.Name(), p.Mode(), verifyTrial)
		if err != nil {
			return err
		}
		trial, err = verify.RunTrial(ctx, p, verifyTrial, schedule, true)
		if err != nil {
			return err
		}
	} else {
		trial, err = verify.Replay(ctx, p, verifyTrial)
		if err != nil {
			return err
		}
	}
	return verify.WriteTrace(cmd.OutOrStdout(), trial)
}

func runReport(cmd *cobra.Command, _ []string) error {
	p, err := protocolFromFlags()
	if err != nil {
		return err
	}
	db, err := verify.OpenSQLite(verifyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Report(cmd.Context(), p.Name(), p.Mode(), verifySamples)
	if err != nil {
		return err
	}
	_, err = report.WriteTo(cmd.OutOrStdout())
	return err
}
