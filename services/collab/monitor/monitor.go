// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor records per-session operation latencies.
//
// Each session keeps a bounded ring of recent samples from which
// GetMetrics aggregates. Every sample is also exported to Prometheus,
// labelled by operation type only so session churn does not grow the
// series count.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultWindow is the number of samples retained per session.
const DefaultWindow = 1000

// Metrics aggregates the retained samples of one session.
type Metrics struct {
	OperationCount        int            `json:"operation_count"`
	AverageResponseTimeMs float64        `json:"average_response_time_ms"`
	MaxResponseTimeMs     float64        `json:"max_response_time_ms"`
	ByType                map[string]int `json:"by_type"`
}

type sample struct {
	duration time.Duration
	opType   string
}

// ring keeps the last len(buf) samples.
type ring struct {
	buf  []sample
	next int
	full bool
}

func (r *ring) add(s sample) {
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) samples() []sample {
	if r.full {
		return r.buf
	}
	return r.buf[:r.next]
}

// PerformanceMonitor collects operation latencies per session.
//
// # Thread Safety
//
// Safe for concurrent use. RecordOperation never blocks on I/O.
type PerformanceMonitor struct {
	window int

	mu       sync.Mutex
	sessions map[string]*ring

	latency    *prometheus.HistogramVec
	operations *prometheus.CounterVec
}

// NewPerformanceMonitor creates a monitor keeping window samples per
// session. Metrics are registered with reg; a nil reg skips registration.
func NewPerformanceMonitor(reg prometheus.Registerer, window int) *PerformanceMonitor {
	if window <= 0 {
		window = DefaultWindow
	}
	factory := promauto.With(reg)
	return &PerformanceMonitor{
		window:   window,
		sessions: make(map[string]*ring),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collab",
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Latency of collaborative editing operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op_type"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Total collaborative editing operations recorded",
		}, []string{"op_type"}),
	}
}

// RecordOperation appends a sample for sessionID.
func (m *PerformanceMonitor) RecordOperation(sessionID string, d time.Duration, opType string) {
	if d < 0 {
		d = 0
	}
	m.latency.WithLabelValues(opType).Observe(d.Seconds())
	m.operations.WithLabelValues(opType).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		r = &ring{buf: make([]sample, m.window)}
		m.sessions[sessionID] = r
	}
	r.add(sample{duration: d, opType: opType})
}

// GetMetrics aggregates the retained samples of sessionID. The second
// result is false when nothing was recorded.
func (m *PerformanceMonitor) GetMetrics(sessionID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return Metrics{}, false
	}
	samples := r.samples()
	if len(samples) == 0 {
		return Metrics{}, false
	}

	out := Metrics{OperationCount: len(samples), ByType: make(map[string]int)}
	var total, longest time.Duration
	for _, s := range samples {
		total += s.duration
		longest = max(longest, s.duration)
		out.ByType[s.opType]++
	}
	out.AverageResponseTimeMs = toMillis(total) / float64(len(samples))
	out.MaxResponseTimeMs = toMillis(longest)
	return out, true
}

// Sessions lists the sessions with samples, sorted.
func (m *PerformanceMonitor) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops the samples of sessionID.
func (m *PerformanceMonitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
