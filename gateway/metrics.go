// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instruments. All of them are
// registered on the registry passed to NewMetrics, which the /metrics
// endpoint serves.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	ConnectionsActive prometheus.Gauge
	OutputBytes       prometheus.Counter
	ClientMessages    *prometheus.CounterVec
	PatternMatches    prometheus.Counter
	PipelineVetoed    prometheus.Counter
	BroadcastDrops    prometheus.Counter
	BufferSaves       prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "sessions_active",
			Help:      "Live terminal sessions.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "sessions_created_total",
			Help:      "Sessions created since daemon start.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "connections_active",
			Help:      "Open client connections.",
		}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "output_bytes_total",
			Help:      "PTY output bytes that entered the pipeline.",
		}),
		ClientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "client_messages_total",
			Help:      "Inbound protocol messages by type.",
		}, []string{"type"}),
		PatternMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "pattern_events_total",
			Help:      "Pattern-match and ansi-sequence events emitted.",
		}),
		PipelineVetoed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "pipeline_vetoed_total",
			Help:      "Output chunks suppressed by the pipeline before broadcast.",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "broadcast_drops_total",
			Help:      "Connections dropped for not draining their send buffer.",
		}),
		BufferSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "buffer_saves_total",
			Help:      "Scrollback snapshots written to the session store.",
		}),
	}
	registry.MustRegister(
		m.SessionsActive,
		m.SessionsCreated,
		m.ConnectionsActive,
		m.OutputBytes,
		m.ClientMessages,
		m.PatternMatches,
		m.PipelineVetoed,
		m.BroadcastDrops,
		m.BufferSaves,
	)
	return m
}
