// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("collabcore.transport")

var (
	opsRelayed     metric.Int64Counter
	clientsDropped metric.Int64Counter
	connections    metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		opsRelayed, err = meter.Int64Counter(
			"transport_operations_relayed_total",
			metric.WithDescription("Operations handed to subscribers, by transport"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		clientsDropped, err = meter.Int64Counter(
			"transport_clients_dropped_total",
			metric.WithDescription("Websocket clients disconnected for falling behind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		connections, err = meter.Int64UpDownCounter(
			"transport_connections",
			metric.WithDescription("Open websocket connections"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRelayed(ctx context.Context, kind string, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	opsRelayed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("transport", kind)))
}

func recordDropped(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	clientsDropped.Add(ctx, 1)
}

func recordConnection(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	connections.Add(ctx, delta)
}
