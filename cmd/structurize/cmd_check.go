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
	"io"

	"github.com/spf13/cobra"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfgio"
)

func newCheckCmd(a *app) *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate method graphs without emitting",
		Long: `Build every method in FILE and run the graph checks: reachability,
phi arity, loop nesting and reducibility. Prints one summary line per
method.

Examples:
  structurize check kernels.yaml
  structurize check kernels.yaml --method dispatch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			methods, err := loadMethods(args[0], method)
			if err != nil {
				return err
			}
			return a.check(cmd.Context(), cmd.OutOrStdout(), methods)
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "Only check the named method")
	return cmd
}

func (a *app) check(ctx context.Context, w io.Writer, methods []cfgio.Method) error {
	opts := a.cfg.BuildOptions()
	var errs []error
	for i := range methods {
		g, err := methods[i].Build(ctx, opts)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(w, "%-24s FAIL  %v\n", methods[i].Name, err)
			continue
		}
		fmt.Fprintf(w, "%-24s ok    %s\n", g.Name, summarize(g))
	}
	return errors.Join(errs...)
}

// summarize describes the shape of a built graph in one line.
func summarize(g *cfg.Graph) string {
	loops := g.Loops()
	depth := 0
	for _, l := range loops {
		depth = max(depth, l.Depth)
	}
	merges := 0
	for _, b := range g.Blocks() {
		if g.IsMerge(b.ID) {
			merges++
		}
	}
	return fmt.Sprintf("blocks=%d values=%d merges=%d loops=%d max_depth=%d",
		g.Len(), len(g.Values()), merges, len(loops), depth)
}
