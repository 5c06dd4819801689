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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/opqueue/services/opqueue/verify"
)

var (
	// global flags
	configPath string
	logLevel   string

	// client flags
	serverURL     string
	basePath      string
	clientTimeout time.Duration
	dropAll       bool
	loadRequests  int
	loadWorkers   int
	loadPrefix    string

	// verify flags
	verifyProtocol  string
	verifyRacing    int
	verifyMode      string
	verifyDB        string
	verifyWorkers   int
	verifyStart     uint64
	verifyLimit     uint64
	verifyReset     bool
	verifyStrict    bool
	verifySamples   int
	verifyTrial     uint64
	verifyMetrics   string
	verifyBatchSize int
)

var (
	rootCmd = &cobra.Command{
		Use:           "opqueue",
		Short:         "Optimistic log-and-snapshot store: server, client and protocol verifier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Client ---
	submitCmd = &cobra.Command{
		Use:   "submit [payload]",
		Short: "Insert a payload, or drop everything with --drop",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit, // Defined in cmd_client.go
	}
	getCmd = &cobra.Command{
		Use:   "get",
		Short: "Print the current snapshot",
		Args:  cobra.NoArgs,
		RunE:  runGet, // Defined in cmd_client.go
	}
	loadCmd = &cobra.Command{
		Use:   "load",
		Short: "Send concurrent inserts and check every one is in the final snapshot",
		Args:  cobra.NoArgs,
		RunE:  runLoad, // Defined in cmd_client.go
	}

	// --- Verifier ---
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Explore every interleaving of concurrent writers",
	}
	verifyRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run trials and print a report",
		Args:  cobra.NoArgs,
		RunE:  runVerify, // Defined in cmd_verify.go
	}
	verifyReplayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Re-run one trial and print every step",
		Args:  cobra.NoArgs,
		RunE:  runReplay, // Defined in cmd_verify.go
	}
	verifyReportCmd = &cobra.Command{
		Use:   "report",
		Short: "Summarize trials stored in a database",
		Args:  cobra.NoArgs,
		RunE:  runReport, // Defined in cmd_verify.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (serve)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)

	for _, c := range []*cobra.Command{submitCmd, getCmd, loadCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:12230", "Server URL")
		c.Flags().StringVar(&basePath, "base-path", "", "Base path in front of /dy-queue")
		c.Flags().DurationVar(&clientTimeout, "timeout", 10*time.Second, "Per-request timeout")
		rootCmd.AddCommand(c)
	}
	submitCmd.Flags().BoolVar(&dropAll, "drop", false, "Drop everything instead of inserting")
	loadCmd.Flags().IntVar(&loadRequests, "requests", 100, "Number of inserts")
	loadCmd.Flags().IntVar(&loadWorkers, "concurrency", 10, "Concurrent requests")
	loadCmd.Flags().StringVar(&loadPrefix, "prefix", "load", "Payload prefix; payloads are <prefix>-<n>")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.AddCommand(verifyRunCmd, verifyReplayCmd, verifyReportCmd)
	for _, c := range []*cobra.Command{verifyRunCmd, verifyReplayCmd, verifyReportCmd} {
		c.Flags().StringVar(&verifyProtocol, "protocol", verify.ProtocolCopyForward, "Protocol: copy-forward or prv-chain")
		c.Flags().IntVar(&verifyRacing, "racing", 3, "Number of racing writers")
		c.Flags().StringVar(&verifyMode, "mode", string(verify.IDAtAppend), "Id mode: at-append or at-load")
		c.Flags().StringVar(&verifyDB, "db", "", "SQLite database for trials")
		c.Flags().IntVar(&verifySamples, "samples", 5, "Sample trials listed per broken invariant")
	}
	verifyRunCmd.Flags().IntVar(&verifyWorkers, "workers", 0, "Parallel trials (default GOMAXPROCS)")
	verifyRunCmd.Flags().Uint64Var(&verifyStart, "start", 0, "First schedule index")
	verifyRunCmd.Flags().Uint64Var(&verifyLimit, "limit", 0, "Number of trials (default all)")
	verifyRunCmd.Flags().IntVar(&verifyBatchSize, "batch", 1000, "Trials per database transaction")
	verifyRunCmd.Flags().BoolVar(&verifyReset, "reset", false, "Delete stored trials of this protocol and mode first")
	verifyRunCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Exit non-zero when any invariant breaks")
	verifyRunCmd.Flags().StringVar(&verifyMetrics, "metrics", "none", "OTel metric exporter: stdout or none")
	verifyReplayCmd.Flags().Uint64Var(&verifyTrial, "trial", 0, "Trial index to replay")
	_ = verifyReplayCmd.MarkFlagRequired("trial")
	_ = verifyReportCmd.MarkFlagRequired("db")
}
