// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("collabcore.crdt")

// Metrics for CRDT application.
var (
	applyLatency   metric.Float64Histogram
	applyTotal     metric.Int64Counter
	rejectTotal    metric.Int64Counter
	compactedTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyLatency, err = meter.Float64Histogram(
			"crdt_apply_duration_seconds",
			metric.WithDescription("Duration of CRDT operation application"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyTotal, err = meter.Int64Counter(
			"crdt_operations_applied_total",
			metric.WithDescription("Total operations applied to a replica"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rejectTotal, err = meter.Int64Counter(
			"crdt_operations_rejected_total",
			metric.WithDescription("Total operations rejected as malformed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		compactedTotal, err = meter.Int64Counter(
			"crdt_operations_compacted_total",
			metric.WithDescription("Total operations folded into the base snapshot"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordApply(ctx context.Context, kind OpKind, replayed bool, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("replayed", replayed),
	)
	applyLatency.Record(ctx, d.Seconds(), attrs)
	applyTotal.Add(ctx, 1, attrs)
}

func recordReject(ctx context.Context, kind OpKind) {
	if err := initMetrics(); err != nil {
		return
	}
	rejectTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordCompaction(ctx context.Context, n int) {
	if err := initMetrics(); err != nil {
		return
	}
	compactedTotal.Add(ctx, int64(n))
}
