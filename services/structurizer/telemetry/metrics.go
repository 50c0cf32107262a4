// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the instruments recorded by the structuring passes.
//
// All metrics use the "structurizer_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// MethodsTotal counts structured methods by status (ok, error).
	MethodsTotal metric.Int64Counter

	// WalkDuration records the dominance walk duration in seconds.
	WalkDuration metric.Float64Histogram

	// BlocksVisited counts blocks entered by the walker.
	BlocksVisited metric.Int64Counter

	// Reschedules counts forced out-of-order visits by reason
	// (pending, true_branch).
	Reschedules metric.Int64Counter

	// PhiActions counts resolved phi actions by kind (alias, copy, merge).
	PhiActions metric.Int64Counter

	// FailuresTotal counts structuring failures by error kind.
	FailuresTotal metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MethodsTotal, err = meter.Int64Counter(
		"structurizer_methods_total",
		metric.WithDescription("Total methods structured"),
		metric.WithUnit("{method}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create methods_total: %w", err)
	}

	m.WalkDuration, err = meter.Float64Histogram(
		"structurizer_walk_duration_seconds",
		metric.WithDescription("Dominance walk duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create walk_duration: %w", err)
	}

	m.BlocksVisited, err = meter.Int64Counter(
		"structurizer_blocks_visited_total",
		metric.WithDescription("Total blocks entered by the walker"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create blocks_visited_total: %w", err)
	}

	m.Reschedules, err = meter.Int64Counter(
		"structurizer_reschedules_total",
		metric.WithDescription("Total forced out-of-order block visits"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reschedules_total: %w", err)
	}

	m.PhiActions, err = meter.Int64Counter(
		"structurizer_phi_actions_total",
		metric.WithDescription("Total phi resolution actions"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create phi_actions_total: %w", err)
	}

	m.FailuresTotal, err = meter.Int64Counter(
		"structurizer_failures_total",
		metric.WithDescription("Total structuring failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failures_total: %w", err)
	}

	return m, nil
}

var (
	globalMetrics     *Metrics
	globalMetricsOnce sync.Once
)

// Global returns instruments created on the global meter. The global meter
// delegates to whatever provider Init installs, so Global may be called
// before Init.
//
// Returns nil only if instrument creation failed.
func Global() *Metrics {
	globalMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter("structurizer"))
		if err == nil {
			globalMetrics = m
		}
	})
	return globalMetrics
}
