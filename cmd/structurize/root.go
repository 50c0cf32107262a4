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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/beehive-lab/TornadoVM-sub002/pkg/logging"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfgio"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/config"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

// app holds the state shared by every command: flags, the loaded
// configuration and the process logger.
type app struct {
	configPath string
	logLevel   string

	// metricsAddr is set by watch; it switches the metric exporter to
	// Prometheus before telemetry starts.
	metricsAddr string

	cfg      *config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// execute runs the command line and releases telemetry and the log file
// whether or not the command succeeded.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	if stdout != nil {
		root.SetOut(stdout)
	}
	if stderr != nil {
		root.SetErr(stderr)
	}
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "structurize",
		Short: "Emit structured control flow for kernel methods",
		Long: `Structurize lowers method control-flow graphs into block-structured
listings with explicit selection and loop merges.

Methods are described in YAML (blocks, terminators, values and phis).

Commands:
  emit   - Structure methods and print their listings
  check  - Validate method graphs without emitting
  watch  - Re-emit a method file whenever it changes

Examples:
  structurize emit kernels.yaml
  structurize check kernels.yaml --log-level debug
  structurize watch kernels.yaml --metrics-addr :9464`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Configuration file (default: $STRUCTURIZER_CONFIG or ./structurizer.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override log.level: debug, info, warn, error")

	root.AddCommand(newEmitCmd(a), newCheckCmd(a), newWatchCmd(a))
	return root
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := config.Load(ctx, config.ResolvePath(a.configPath))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		c.Log.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		c.Telemetry.MetricExporter = "prometheus"
	}
	if err := c.Validate(); err != nil {
		return err
	}
	a.cfg = c

	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	a.logger, err = logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(c.Log.Format),
		Dir:     c.Log.Dir,
		Service: "structurize",
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger.Slog())

	a.shutdown, err = telemetry.Init(ctx, c.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdown(ctx))
		a.shutdown = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// =============================================================================
// HELPERS
// =============================================================================

// loadMethods reads path and keeps only the named method when name is set.
func loadMethods(path, name string) ([]cfgio.Method, error) {
	f, err := cfgio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return f.Methods, nil
	}
	for _, m := range f.Methods {
		if m.Name == name {
			return []cfgio.Method{m}, nil
		}
	}
	return nil, fmt.Errorf("%s: no method named %q", path, name)
}
