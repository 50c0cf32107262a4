// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the structurizer configuration.
//
// Defaults are embedded from default.yaml. A user file is decoded on top
// of them, so it only needs the keys it changes, and the result is
// validated with struct tags.
//
// Thread Safety:
//
//	Load is safe for concurrent use. A returned Config is a plain value.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/walker"
)

// MaxYAMLFileSize is the largest configuration file accepted (1MB).
const MaxYAMLFileSize = 1024 * 1024

// EnvConfigPath names the environment variable consulted when no path is
// given explicitly.
const EnvConfigPath = "STRUCTURIZER_CONFIG"

//go:embed default.yaml
var defaultYAML []byte

// ErrFileTooLarge is returned for files over MaxYAMLFileSize.
var ErrFileTooLarge = errors.New("config file too large")

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "structurizer_config_loads_total",
		Help: "Total configuration loads by source and status",
	}, []string{"source", "status"})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "structurizer_config_load_duration_seconds",
		Help:    "Duration of configuration loading",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1},
	})
)

var configTracer = otel.Tracer("structurizer.config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Types
// =============================================================================

// Config is the complete structurizer configuration.
type Config struct {
	Phi       PhiConfig        `yaml:"phi"`
	Walker    WalkerConfig     `yaml:"walker"`
	Compile   CompileConfig    `yaml:"compile"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// PhiConfig controls phi resolution.
type PhiConfig struct {
	// MinimizeCopies prefers aliases and merge instructions over copies.
	MinimizeCopies bool `yaml:"minimize_copies"`
}

// WalkerConfig controls graph checks and the dominance walk.
type WalkerConfig struct {
	CheckReducibility bool `yaml:"check_reducibility"`
	InferLoopHeaders  bool `yaml:"infer_loop_headers"`
	InferLoopExits    bool `yaml:"infer_loop_exits"`

	// MaxBlocks rejects larger methods. Zero disables the limit.
	MaxBlocks int `yaml:"max_blocks" validate:"gte=0"`

	MaxTraceHops     int `yaml:"max_trace_hops" validate:"gte=1,lte=4096"`
	LoopDepthWarning int `yaml:"loop_depth_warning" validate:"gte=1"`
}

// CompileConfig controls batch compilation.
type CompileConfig struct {
	// Parallelism bounds the methods structured at once.
	Parallelism int `yaml:"parallelism" validate:"gte=1,lte=256"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded configuration.
func Default() (*Config, error) {
	c := &Config{}
	if err := decode(defaultYAML, c); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}
	return c, nil
}

// ResolvePath picks the configuration file to load: explicit, then
// $STRUCTURIZER_CONFIG, then ./structurizer.yaml if it exists. An empty
// result means "defaults only".
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat("structurizer.yaml"); err == nil {
		abs, err := filepath.Abs("structurizer.yaml")
		if err == nil {
			return abs
		}
	}
	return ""
}

// Load reads the configuration at path over the embedded defaults.
//
// Description:
//
//	An empty path returns the defaults. Unknown keys are rejected so typos
//	do not pass silently. The merged configuration is validated.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	path - YAML file, or "".
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, size, decode or validation failure.
//
// Thread Safety: Safe for concurrent use.
func Load(ctx context.Context, path string) (*Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("config.Load: %w", telemetry.ErrNilContext)
	}

	source := "embedded"
	if path != "" {
		source = "file"
	}
	ctx, span := configTracer.Start(ctx, "config.Load",
		trace.WithAttributes(attribute.String("source", source)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
	}()

	c, err := load(path)
	if err != nil {
		configLoads.WithLabelValues(source, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}

	configLoads.WithLabelValues(source, "ok").Inc()
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("configuration loaded",
		slog.String("source", source),
		slog.String("path", path),
		slog.Bool("minimize_copies", c.Phi.MinimizeCopies),
		slog.Int("parallelism", c.Compile.Parallelism))
	return c, nil
}

func load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(data, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%s: %d bytes (max %d): %w", path, info.Size(), MaxYAMLFileSize, ErrFileTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// Derived Options
// =============================================================================

// BuildOptions returns the graph construction options.
func (c *Config) BuildOptions() cfg.BuildOptions {
	return cfg.BuildOptions{
		CheckReducibility: c.Walker.CheckReducibility,
		InferLoopHeaders:  c.Walker.InferLoopHeaders,
		InferLoopExits:    c.Walker.InferLoopExits,
		MaxBlocks:         c.Walker.MaxBlocks,
	}
}

// WalkerOptions returns session options logging to logger.
func (c *Config) WalkerOptions(logger *slog.Logger) walker.Options {
	return walker.Options{
		Phi: phi.Options{
			MinimizeCopies: c.Phi.MinimizeCopies,
			MaxTraceHops:   c.Walker.MaxTraceHops,
		},
		LoopDepthWarning: c.Walker.LoopDepthWarning,
		Logger:           logger,
	}
}
