// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the notebook
// event engine.
//
// # Description
//
// Metrics cover the write path (events appended), the fan-out path
// (broadcasts, dropped subscribers) and the live connection count. They are
// exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "eventbook"

const engineSubsystem = "engine"

// Metrics holds all Prometheus metrics for the event engine. Each instance
// carries its own registry, so constructing a second engine (as tests do)
// never trips duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	// EventsAppendedTotal counts appended events.
	// Labels: event_type, status (accepted, rejected)
	EventsAppendedTotal *prometheus.CounterVec

	// BroadcastsTotal counts events fanned out to subscribers.
	BroadcastsTotal prometheus.Counter

	// DroppedMessagesTotal counts messages dropped because a subscriber's
	// buffer was full.
	DroppedMessagesTotal prometheus.Counter

	// ActiveConnections tracks live WebSocket subscriptions.
	ActiveConnections prometheus.Gauge

	// AppendDurationSeconds measures the append critical section.
	AppendDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		EventsAppendedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "events_appended_total",
				Help:      "Total events submitted for append by type and status",
			},
			[]string{"event_type", "status"},
		),

		BroadcastsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "broadcasts_total",
				Help:      "Total events fanned out to store subscribers",
			},
		),

		DroppedMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "dropped_messages_total",
				Help:      "Total messages dropped due to full subscriber buffers",
			},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_connections",
				Help:      "Number of live WebSocket subscriptions",
			},
		),

		AppendDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "append_duration_seconds",
				Help:      "Duration of the append critical section",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
	}
}

// Registry returns the registry backing this instance, for the /metrics
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordAppend records an append attempt.
func (m *Metrics) RecordAppend(eventType string, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	m.EventsAppendedTotal.WithLabelValues(eventType, status).Inc()
}
