// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// structurizer.
//
// The structuring passes (graph analysis, dominance walk, phi resolution)
// open spans through the global tracer and record counters through the
// instruments in Metrics. Init installs real providers; without Init the
// OTel no-op providers are used and every helper stays safe to call.
//
// # Trace Backend
//
// TraceExporter selects "otlp" (gRPC), "stdout" or "none".
//
// # Metrics Backend
//
// MetricExporter selects "prometheus" (scraped through MetricsHandler),
// "stdout" or "none".
//
// # Logging
//
// LoggerWithTrace injects trace_id and span_id into slog records so a
// compilation unit can be followed across the walker and the resolver.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: none)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry
