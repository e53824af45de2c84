// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the register pipeline.
//
// # Description
//
// Metrics cover the pipeline stages end to end:
//   - Session state transitions
//   - Parse outcomes and latency per entry point
//   - Cascade job lifecycle and instrument lock conflicts
//   - Worker pool occupancy
//   - Progress stream subscribers and dropped events
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *Metrics, so components can be
// constructed without metrics in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "legalcascade"

	pipelineSubsystem = "pipeline"
	parseSubsystem    = "parse"
	cascadeSubsystem  = "cascade"
	progressSubsystem = "progress"
)

// Metrics holds every Prometheus collector of the service.
//
// # Fields
//
//   - SessionTransitions: Sessions entering a state. Labels: state
//   - ParseTotal: Parse outcomes. Labels: entry (one, group, batch, preview), outcome (success, failure, busy, cancelled)
//   - ParseDuration: Per-instrument extraction latency. Labels: entry
//   - ExtractorCalls: Calls into the extraction capability. Labels: extractor, outcome
//   - CascadeJobs: Cascade jobs reaching a status. Labels: status
//   - ActiveCascadeJobs: Jobs currently queued or running
//   - LockConflicts: Fail-fast lock conflicts. Labels: operation
//   - WorkersInUse: Occupied worker pool slots
//   - ProgressSubscribers: Open progress streams
//   - ProgressDropped: Events dropped for slow subscribers
type Metrics struct {
	SessionTransitions  *prometheus.CounterVec
	ParseTotal          *prometheus.CounterVec
	ParseDuration       *prometheus.HistogramVec
	ExtractorCalls      *prometheus.CounterVec
	CascadeJobs         *prometheus.CounterVec
	ActiveCascadeJobs   prometheus.Gauge
	LockConflicts       *prometheus.CounterVec
	WorkersInUse        prometheus.Gauge
	ProgressSubscribers prometheus.Gauge
	ProgressDropped     prometheus.Counter
}

// NewMetrics creates and registers every collector on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Pass prometheus.NewRegistry() in tests to avoid
//     duplicate registration panics.
//
// # Outputs
//
//   - *Metrics: Registered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "session_transitions_total",
				Help:      "Sessions entering a pipeline state",
			},
			[]string{"state"},
		),
		ParseTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: parseSubsystem,
				Name:      "results_total",
				Help:      "Per-instrument parse outcomes by entry point",
			},
			[]string{"entry", "outcome"},
		),
		ParseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: parseSubsystem,
				Name:      "duration_seconds",
				Help:      "Per-instrument extraction latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"entry"},
		),
		ExtractorCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: parseSubsystem,
				Name:      "extractor_calls_total",
				Help:      "Calls into the extraction capability",
			},
			[]string{"extractor", "outcome"},
		),
		CascadeJobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cascadeSubsystem,
				Name:      "jobs_total",
				Help:      "Cascade jobs reaching a status",
			},
			[]string{"status"},
		),
		ActiveCascadeJobs: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: cascadeSubsystem,
				Name:      "active_jobs",
				Help:      "Cascade jobs currently queued or running",
			},
		),
		LockConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "lock_conflicts_total",
				Help:      "Instrument lock conflicts by operation",
			},
			[]string{"operation"},
		),
		WorkersInUse: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: parseSubsystem,
				Name:      "workers_in_use",
				Help:      "Occupied slots of the shared parse worker pool",
			},
		),
		ProgressSubscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: progressSubsystem,
				Name:      "subscribers",
				Help:      "Open progress stream subscriptions",
			},
		),
		ProgressDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: progressSubsystem,
				Name:      "dropped_events_total",
				Help:      "Progress events dropped because a subscriber buffer was full",
			},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordTransition counts a session entering state.
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// RecordParse counts one parse outcome and observes its latency.
func (m *Metrics) RecordParse(entry, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ParseTotal.WithLabelValues(entry, outcome).Inc()
	if d > 0 {
		m.ParseDuration.WithLabelValues(entry).Observe(d.Seconds())
	}
}

// RecordExtractorCall counts one call into an extractor.
func (m *Metrics) RecordExtractorCall(extractor string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ExtractorCalls.WithLabelValues(extractor, outcome).Inc()
}

// RecordJob counts a cascade job reaching status and adjusts the active gauge.
func (m *Metrics) RecordJob(status string, activeDelta float64) {
	if m == nil {
		return
	}
	m.CascadeJobs.WithLabelValues(status).Inc()
	if activeDelta != 0 {
		m.ActiveCascadeJobs.Add(activeDelta)
	}
}

// RecordLockConflict counts a fail-fast lock conflict.
func (m *Metrics) RecordLockConflict(operation string) {
	if m == nil {
		return
	}
	m.LockConflicts.WithLabelValues(operation).Inc()
}

// WorkerAcquired and WorkerReleased track pool occupancy.
func (m *Metrics) WorkerAcquired() {
	if m == nil {
		return
	}
	m.WorkersInUse.Inc()
}

func (m *Metrics) WorkerReleased() {
	if m == nil {
		return
	}
	m.WorkersInUse.Dec()
}

// SubscriberDelta adjusts the open subscription gauge.
func (m *Metrics) SubscriberDelta(delta float64) {
	if m == nil {
		return
	}
	m.ProgressSubscribers.Add(delta)
}

// EventDropped counts one dropped progress event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.ProgressDropped.Inc()
}
