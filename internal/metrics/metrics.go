// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package metrics exposes Prometheus instrumentation for the sync agent:
// connection lifecycle, frame decoding, cache size, notification decisions,
// and REST fallback health. Metrics are served by the admin endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickwatch_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
		},
	)

	ConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwatch_connect_attempts_total",
			Help: "Total number of connection attempts (epochs minted for dialing)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwatch_reconnects_total",
			Help: "Total number of reconnects scheduled after socket loss",
		},
	)

	StaleEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwatch_stale_events_dropped_total",
			Help: "Socket events discarded because their connection epoch was superseded",
		},
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwatch_heartbeats_sent_total",
			Help: "Total ping frames sent on the websocket",
		},
	)

	// Frame decoding

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwatch_frames_received_total",
			Help: "Inbound frames by decoded envelope type",
		},
		[]string{"type"},
	)

	FrameDecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwatch_frame_decode_failures_total",
			Help: "Inbound frames dropped by the decoder",
		},
		[]string{"reason"}, // "malformed" or "unknown_type"
	)

	// Local cache

	CachedRecommendations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickwatch_cached_recommendations",
			Help: "Recommendations currently retained in the local cache",
		},
	)

	// Notification policy

	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwatch_notifications_delivered_total",
			Help: "Notifications that passed the delivery policy",
		},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwatch_notifications_suppressed_total",
			Help: "Notifications suppressed by the delivery policy",
		},
		[]string{"reason"}, // "notifications_disabled", "quiet_hours", "rate_limited"
	)

	// REST fallback

	RestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwatch_rest_requests_total",
			Help: "REST fallback requests by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: "ok" or "error"
	)

	RestBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickwatch_rest_breaker_state",
			Help: "REST circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
