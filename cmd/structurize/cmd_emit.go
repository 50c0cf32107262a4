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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfgio"
)

type emitFlags struct {
	method string
	json   bool
}

func newEmitCmd(a *app) *cobra.Command {
	f := &emitFlags{}
	cmd := &cobra.Command{
		Use:   "emit FILE",
		Short: "Structure methods and print their listings",
		Long: `Structure every method in FILE and print the listings in file order.

Methods are structured in parallel (compile.parallelism). A method that
fails is reported and the rest are still printed; the command then exits
non-zero.

Examples:
  structurize emit kernels.yaml
  structurize emit kernels.yaml --method count
  structurize emit kernels.yaml --json | jq '.[].walk'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			methods, err := loadMethods(args[0], f.method)
			if err != nil {
				return err
			}
			return a.emit(cmd.Context(), cmd.OutOrStdout(), methods, f.json)
		},
	}
	cmd.Flags().StringVar(&f.method, "method", "", "Only emit the named method")
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON for scripting")
	return cmd
}

// emitRecord is the JSON form of one result.
type emitRecord struct {
	*structurizer.Result
	Error string `json:"error,omitempty"`
}

func (a *app) emit(ctx context.Context, w io.Writer, methods []cfgio.Method, asJSON bool) error {
	svc, err := structurizer.NewService(a.cfg, a.logger.Slog())
	if err != nil {
		return err
	}
	results, batchErr := svc.CompileBatch(ctx, methods)

	if asJSON {
		records := make([]emitRecord, len(results))
		for i, r := range results {
			records[i] = emitRecord{Result: r, Error: r.Failure()}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		return batchErr
	}

	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if r.Err != nil {
			fmt.Fprintf(w, "; method %s: FAILED: %v\n", r.Method, r.Err)
			continue
		}
		fmt.Fprint(w, r.Listing)
	}
	return batchErr
}
