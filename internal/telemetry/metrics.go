/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedplay"

// Playback scheduler metrics. Gauges are summed across feed instances.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently in an active set, across all feeds.",
	})

	ActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activations_total",
		Help:      "Sessions admitted to an active set after a confirmed play.",
	})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Active sessions evicted to make room, by victim visibility.",
	}, []string{"reason"})

	PlayAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "play_attempts_total",
		Help:      "Play commands issued, by outcome.",
	}, []string{"result"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_scheduled_total",
		Help:      "Backoff retries scheduled after a failed play attempt.",
	})

	RetriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_exhausted_total",
		Help:      "Sessions that gave up after the attempt budget.",
	})

	DebounceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "debounce_transitions_total",
		Help:      "Stable visibility transitions applied by the debouncer.",
	}, []string{"direction"})

	PlaybackStartSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "playback_start_seconds",
		Help:      "Time from starting a playback sequence to a confirmed play.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	FeedsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feeds_connected",
		Help:      "Feed websocket connections currently open.",
	})

	RelayPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_publish_errors_total",
		Help:      "Events an external relay failed to publish.",
	}, []string{"relay"})
)

// HTTP API metrics.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_active_connections",
		Help:      "HTTP requests in flight.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
