// Package metrics defines the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsByStatus tracks how many sessions sit in each lifecycle state.
	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wagate_sessions",
		Help: "Number of managed sessions by lifecycle status.",
	}, []string{"status"})

	// ReconnectAttempts counts scheduled reconnects after transient closes.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagate_reconnect_attempts_total",
		Help: "Total reconnect attempts scheduled after transient disconnects.",
	})

	// SSESubscribers tracks currently attached event-stream clients.
	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wagate_sse_subscribers",
		Help: "Currently connected SSE subscribers.",
	})

	// SSEEventsDropped counts events discarded because a subscriber was slow.
	SSEEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagate_sse_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})

	// LockOperations counts lease operations by kind and outcome.
	LockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wagate_lock_operations_total",
		Help: "Session lease operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// MessagesSent counts outbound text messages by outcome.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wagate_messages_sent_total",
		Help: "Outbound text messages by outcome.",
	}, []string{"outcome"})

	// HTTPRequests counts API requests by route pattern, method and code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wagate_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	// HTTPDuration observes request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wagate_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)
