// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command structurize turns method control-flow graphs described in YAML
// into structured listings.
//
// Usage:
//
//	structurize emit kernels.yaml
//	structurize emit kernels.yaml --method count --json
//	structurize check kernels.yaml
//	structurize watch kernels.yaml --metrics-addr :9464
//
// Configuration is read from --config, $STRUCTURIZER_CONFIG or
// ./structurizer.yaml, over built-in defaults.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], nil, nil); err != nil {
		stop()
		os.Exit(1)
	}
}
