// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for collabsync.
//
// Init installs the global TracerProvider and MeterProvider. Packages in
// services/collab obtain their tracers and meters through otel.Tracer and
// otel.Meter, so they record into whatever Init installed, or into the
// no-op providers when telemetry is disabled.
//
// # Exporters
//
// Traces go to an OTLP gRPC collector or to stdout. Metrics go to the
// Prometheus exporter, exposed through MetricsHandler, or to stdout.
// Either signal can be turned off with "none".
//
// # Logging
//
// Structured logging uses log/slog. LoggerWithTrace adds trace_id and
// span_id to a logger so log lines can be joined with their spans.
package telemetry
