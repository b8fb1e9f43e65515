// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("collabcore.bridge")
	meter  = otel.Meter("collabcore.bridge")
)

// Metrics for sync passes.
var (
	syncLatency     metric.Float64Histogram
	syncTotal       metric.Int64Counter
	conflictTotal   metric.Int64Counter
	supersededTotal metric.Int64Counter
	pendingOverflow metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		syncLatency, err = meter.Float64Histogram(
			"bridge_sync_duration_seconds",
			metric.WithDescription("Duration of sync passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		syncTotal, err = meter.Int64Counter(
			"bridge_sync_total",
			metric.WithDescription("Total sync passes by resulting status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictTotal, err = meter.Int64Counter(
			"bridge_conflicts_total",
			metric.WithDescription("Total conflicts by severity and applied strategy"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		supersededTotal, err = meter.Int64Counter(
			"bridge_sync_superseded_total",
			metric.WithDescription("Total sync passes discarded as stale"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pendingOverflow, err = meter.Int64Counter(
			"bridge_pending_overflow_total",
			metric.WithDescription("Total pending queue overflows forcing a full resync"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSyncPass(ctx context.Context, status SyncStatus, failed bool, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Bool("failed", failed),
	)
	syncLatency.Record(ctx, d.Seconds(), attrs)
	syncTotal.Add(ctx, 1, attrs)
}

func recordConflict(ctx context.Context, severity, applied string) {
	if err := initMetrics(); err != nil {
		return
	}
	conflictTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
		attribute.String("applied", applied),
	))
}

func recordSuperseded(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	supersededTotal.Add(ctx, 1)
}

func recordOverflow(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	pendingOverflow.Add(ctx, 1)
}
