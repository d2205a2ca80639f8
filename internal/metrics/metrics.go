// Package metrics provides Prometheus instrumentation for the presence, roster
// and chat core. It exposes gauges for live connections and fanout
// registrations, counters for events, messages, rate-limit rejections and
// presence sweeps, and a latency histogram per operation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buddychat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// Subscriptions tracks live fanout registrations held by connections.
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buddychat_subscriptions",
		Help: "Current number of fanout subscriptions held by connections",
	})

	// EventsPublished counts fanout publishes by event type and result
	// ("ok" or "error").
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddychat_events_published_total",
		Help: "Total number of events published to the fanout bus",
	}, []string{"type", "result"})

	// MessagesTotal counts send attempts by outcome: "sent", "blocked",
	// "rate_limited", "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddychat_messages_total",
		Help: "Total number of chat message send attempts",
	}, []string{"result"})

	// RateLimitRejections counts denied actions per action name.
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddychat_ratelimit_rejections_total",
		Help: "Total number of actions rejected by the rate limiter",
	}, []string{"action"})

	// PresenceForcedOffline counts users the sweeper moved to offline.
	PresenceForcedOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buddychat_presence_forced_offline_total",
		Help: "Total number of stale presences forced offline by the sweeper",
	})

	// SweepRuns counts sweeper ticks by result.
	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddychat_sweep_runs_total",
		Help: "Total number of background sweep runs",
	}, []string{"sweeper", "result"})

	// OperationLatency records core operation latency in seconds.
	OperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buddychat_operation_latency_seconds",
		Help:    "Core operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Subscriptions,
		EventsPublished,
		MessagesTotal,
		RateLimitRejections,
		PresenceForcedOffline,
		SweepRuns,
		OperationLatency,
	)
}

// ObserveSince records the elapsed time of op since start.
func ObserveSince(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
