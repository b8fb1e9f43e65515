// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation_Aggregates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPerformanceMonitor(reg, 0)

	m.RecordOperation("s", 50*time.Millisecond, "insert")
	m.RecordOperation("s", 75*time.Millisecond, "delete")

	got, ok := m.GetMetrics("s")
	require.True(t, ok)
	assert.GreaterOrEqual(t, got.OperationCount, 2)
	assert.Greater(t, got.AverageResponseTimeMs, 0.0)
	assert.InDelta(t, 62.5, got.AverageResponseTimeMs, 1e-9)
	assert.InDelta(t, 75, got.MaxResponseTimeMs, 1e-9)
	assert.Equal(t, map[string]int{"insert": 1, "delete": 1}, got.ByType)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("insert")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestGetMetrics_Unknown(t *testing.T) {
	m := NewPerformanceMonitor(nil, 10)
	_, ok := m.GetMetrics("missing")
	assert.False(t, ok)
}

func TestWindow_DropsOldest(t *testing.T) {
	m := NewPerformanceMonitor(nil, 3)
	for i := 1; i <= 5; i++ {
		m.RecordOperation("s", time.Duration(i)*time.Millisecond, "insert")
	}
	got, ok := m.GetMetrics("s")
	require.True(t, ok)
	assert.Equal(t, 3, got.OperationCount)
	assert.InDelta(t, 4, got.AverageResponseTimeMs, 1e-9)
	assert.InDelta(t, 5, got.MaxResponseTimeMs, 1e-9)
}

func TestSessionsAndForget(t *testing.T) {
	m := NewPerformanceMonitor(nil, 10)
	m.RecordOperation("b", time.Millisecond, "sync")
	m.RecordOperation("a", time.Millisecond, "sync")
	assert.Equal(t, []string{"a", "b"}, m.Sessions())

	m.Forget("a")
	assert.Equal(t, []string{"b"}, m.Sessions())
	_, ok := m.GetMetrics("a")
	assert.False(t, ok)
}

func TestRecordOperation_Concurrent(t *testing.T) {
	m := NewPerformanceMonitor(prometheus.NewRegistry(), 100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.RecordOperation(fmt.Sprintf("s%d", g%2), time.Millisecond, "insert")
			}
		}(g)
	}
	wg.Wait()

	for _, id := range []string{"s0", "s1"} {
		got, ok := m.GetMetrics(id)
		require.True(t, ok)
		assert.Equal(t, 100, got.OperationCount)
	}
	assert.Equal(t, 400.0, testutil.ToFloat64(m.operations.WithLabelValues("insert")))
}
