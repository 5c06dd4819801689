// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command opqueue runs the opqueue server, talks to a running one, and
// verifies the convergence protocol.
//
// # Usage
//
//	# Serve with a config file (OPQUEUE_* variables override it)
//	opqueue serve --config opqueue.yaml
//
//	# Client commands
//	opqueue submit "hello"
//	opqueue submit --drop
//	opqueue get
//	opqueue load --requests 200 --concurrency 20
//
//	# Enumerate every interleaving of three writers
//	opqueue verify run --racing 3 --db verify.db
//	opqueue verify report --db verify.db
//	opqueue verify replay --trial 4711 --db verify.db
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
