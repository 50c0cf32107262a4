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
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

// DefaultDebounce is how long watch waits after the last change before
// re-emitting. Editors often write a file in several steps.
const DefaultDebounce = 200 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	var (
		method   string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Re-emit a method file whenever it changes",
		Long: `Emit FILE, then emit it again each time it is written, until
interrupted. Errors in an edit are printed and watching continues.

With --metrics-addr the Prometheus metric exporter is enabled and served
at /metrics on that address.

Examples:
  structurize watch kernels.yaml
  structurize watch kernels.yaml --method count --metrics-addr :9464`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			out := cmd.OutOrStdout()

			if a.metricsAddr != "" {
				stop, err := serveMetrics(a.metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			run := func() {
				methods, err := loadMethods(path, method)
				if err == nil {
					err = a.emit(ctx, out, methods, false)
				}
				if err != nil {
					fmt.Fprintf(out, "; %s: %v\n", path, err)
				}
				fmt.Fprintln(out, "; ---")
			}

			run()
			return watchFile(ctx, path, debounce, run)
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "Only emit the named method")
	cmd.Flags().DurationVar(&debounce, "debounce", DefaultDebounce, "Quiet period before re-emitting")
	cmd.Flags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics at this address")
	return cmd
}

// watchFile calls onChange after path is created, written or replaced,
// once per burst of events within debounce. It returns nil when ctx ends.
//
// The parent directory is watched rather than the file so that editors
// that save by rename are followed.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger := slog.Default().With(slog.String("file", target))
	logger.Info("watching for changes")

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("change detected", slog.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			onChange()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// serveMetrics starts an HTTP server exposing /metrics. The returned
// function shuts it down.
func serveMetrics(addr string) (func(), error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("metrics requested but the prometheus exporter is not active")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
