// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package structurizer compiles method control-flow graphs into structured
// listings.
//
// A Service ties the pieces together: it builds the graph, walks it with a
// session driving an emit.Assembler, and returns the listing. Methods are
// independent, so CompileBatch structures them in parallel, one session per
// method.
package structurizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfgio"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/config"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/emit"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/walker"
)

var serviceTracer = otel.Tracer("structurizer.service")

// Result is the outcome of structuring one method.
type Result struct {
	// UnitID identifies this compilation in logs and spans.
	UnitID string `json:"unit_id"`

	Method string `json:"method"`

	// TraceID links the result to its span when tracing is enabled.
	TraceID string `json:"trace_id,omitempty"`

	// Listing is empty when Err is set.
	Listing string `json:"listing,omitempty"`

	Blocks []emit.BlockListing `json:"blocks,omitempty"`

	Walk     walker.Stats  `json:"walk"`
	Emit     emit.Stats    `json:"emit"`
	Duration time.Duration `json:"duration_ns"`

	Err error `json:"-"`
}

// Failure returns the failure message, or "".
func (r *Result) Failure() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Service structures methods according to a configuration.
//
// Thread Safety: Safe for concurrent use. Each call owns its session.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewService creates a service. A nil logger uses slog.Default().
func NewService(c *config.Config, logger *slog.Logger) (*Service, error) {
	if c == nil {
		return nil, errors.New("structurizer: nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: c, logger: logger, metrics: telemetry.Global()}, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Compile builds and structures one method description.
func (s *Service) Compile(ctx context.Context, m *cfgio.Method) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("Compile: %w", telemetry.ErrNilContext)
	}
	g, err := m.Build(ctx, s.cfg.BuildOptions())
	if err != nil {
		s.count(ctx, "error")
		return nil, err
	}
	return s.CompileGraph(ctx, g)
}

// CompileGraph structures a built graph.
//
// Description:
//
//	Runs one walker session from the start block with a fresh assembler.
//	On failure the partial listing is discarded and only the error is
//	returned.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	g - The method graph.
//
// Outputs:
//
//	*Result - The listing and statistics.
//	error - Non-nil if structuring failed.
//
// Thread Safety: Safe for concurrent use with distinct graphs.
func (s *Service) CompileGraph(ctx context.Context, g *cfg.Graph) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("CompileGraph: %w", telemetry.ErrNilContext)
	}
	if g == nil {
		return nil, errors.New("CompileGraph: nil graph")
	}

	unit := uuid.NewString()
	ctx, span := serviceTracer.Start(ctx, "Service.CompileGraph",
		trace.WithAttributes(
			attribute.String("unit_id", unit),
			attribute.String("method", g.Name),
			attribute.Int("blocks", g.Len()),
		),
	)
	defer span.End()
	logger := telemetry.LoggerWithUnit(ctx, s.logger, unit, g.Name)

	start := time.Now()
	asm := emit.NewAssembler(g, logger)
	sess := walker.NewSession(g, asm, asm.Operands(), s.cfg.WalkerOptions(logger))
	if err := sess.Walk(ctx, g.Start()); err != nil {
		s.count(ctx, "error")
		telemetry.RecordError(span, err)
		logger.Warn("structuring failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("structure %s: %w", g.Name, err)
	}

	res := &Result{
		UnitID:   unit,
		Method:   g.Name,
		TraceID:  telemetry.TraceID(ctx),
		Listing:  asm.Listing(),
		Blocks:   asm.Blocks(),
		Walk:     sess.Stats(),
		Emit:     asm.Stats(),
		Duration: time.Since(start),
	}
	s.count(ctx, "ok")
	telemetry.SetSpanOK(span)
	logger.Info("method structured",
		slog.Int("blocks", res.Emit.Blocks),
		slog.Int("reschedules", res.Walk.PendingReschedules+res.Walk.TrueBranchReschedules),
		slog.Int("copies", res.Emit.Copies),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// CompileBatch structures methods in parallel, at most
// compile.parallelism at a time.
//
// Results are returned in input order. A failed method leaves its Err set
// and does not stop the others; the returned error joins every failure.
func (s *Service) CompileBatch(ctx context.Context, methods []cfgio.Method) ([]*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("CompileBatch: %w", telemetry.ErrNilContext)
	}
	ctx, span := serviceTracer.Start(ctx, "Service.CompileBatch",
		trace.WithAttributes(attribute.Int("methods", len(methods))),
	)
	defer span.End()

	results := make([]*Result, len(methods))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Compile.Parallelism)

	for i := range methods {
		m := &methods[i]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				results[i] = &Result{Method: m.Name, Err: err}
				return nil
			}
			res, err := s.Compile(egCtx, m)
			if err != nil {
				results[i] = &Result{Method: m.Name, Err: err}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		telemetry.RecordError(span, err, attribute.Int("failed", len(errs)))
	} else {
		telemetry.SetSpanOK(span)
	}
	return results, err
}

func (s *Service) count(ctx context.Context, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.MethodsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
