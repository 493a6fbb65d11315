package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics, exposed on the app's /metrics endpoint.
var (
	metricDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "messages_delivered_total",
		Help:      "Messages forwarded to the UI callback, by observation source.",
	}, []string{"source"})

	metricDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "messages_duplicate_total",
		Help:      "Messages dropped by the seen-set dedup check, by observation source.",
	}, []string{"source"})

	metricEchoResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "echo_resolved_total",
		Help:      "Optimistic local echoes replaced by their stored copy.",
	})

	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "send_failures_total",
		Help:      "Sends rejected by the store after the optimistic echo was rendered.",
	})

	metricPollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "poll_ticks_total",
		Help:      "Polling fallback ticks executed.",
	})

	metricPollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "poll_errors_total",
		Help:      "Polling fallback fetches that failed (swallowed per tick).",
	})

	metricFeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "feed_events_total",
		Help:      "Change-feed events received, by operation.",
	}, []string{"op"})

	metricFeedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "feed_errors_total",
		Help:      "Change-feed channel errors and timeouts (non-fatal).",
	})

	metricOpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchtalk",
		Subsystem: "chat",
		Name:      "open_sessions",
		Help:      "Conversation sessions currently open.",
	})
)
