// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for has.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsReaped *prometheus.CounterVec

	// Traffic metrics
	LinesForwarded *prometheus.CounterVec
	LinesGagged    prometheus.Counter

	// Backend liveness metrics
	BackendOnline     prometheus.Gauge
	OutagesTotal      prometheus.Counter
	HeartbeatAttempts *prometheus.CounterVec
	ProbesSent        prometheus.Counter

	// Reconnect metrics
	ReconnectsTotal        *prometheus.CounterVec
	IntentionalDisconnects prometheus.Counter

	// Auth metrics
	CredentialCaptures prometheus.Counter
	AuthTimeouts       prometheus.Counter

	// Admission metrics
	AcceptsThrottled prometheus.Counter
}

// New creates a Metrics instance registered on reg. A nil reg uses the
// default registerer; tests pass their own registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "has"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently tracked client sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted client sessions",
		}),
		SessionsReaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total number of destroyed sessions by reason",
		}, []string{"reason"}),
		LinesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_forwarded_total",
			Help:      "Total number of lines forwarded by direction",
		}, []string{"direction"}),
		LinesGagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_gagged_total",
			Help:      "Total number of backend lines suppressed while reconnecting",
		}),
		BackendOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_online",
			Help:      "Whether the heartbeat connection to the backend is up (0 or 1)",
		}),
		OutagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_outages_total",
			Help:      "Total number of detected backend outage episodes",
		}),
		HeartbeatAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_attempts_total",
			Help:      "Total number of heartbeat connection attempts by status",
		}, []string{"status"}),
		ProbesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total number of liveness probes sent on the heartbeat",
		}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of backend reconnect attempts by status",
		}, []string{"status"}),
		IntentionalDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intentional_disconnects_total",
			Help:      "Total number of backend-initiated disconnects confirmed via probe",
		}),
		CredentialCaptures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_captures_total",
			Help:      "Total number of logins captured for replay",
		}),
		AuthTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_timeouts_total",
			Help:      "Total number of pending logins dropped without confirmation",
		}),
		AcceptsThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_throttled_total",
			Help:      "Total number of connections dropped by the accept rate limit",
		}),
	}
}
