// Package metrics registers the prometheus collectors for the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsAppendedTotal counts events appended to the log, by type.
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debitum",
		Name:      "events_appended_total",
		Help:      "Events appended to the event log.",
	}, []string{"aggregate_type", "event_type"})

	// SyncPushEventsTotal counts pushed events by outcome.
	SyncPushEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debitum",
		Name:      "sync_push_events_total",
		Help:      "Events received on sync push, by outcome.",
	}, []string{"outcome"})

	// SyncPullEventsTotal counts events served on pulls.
	SyncPullEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "debitum",
		Name:      "sync_pull_events_total",
		Help:      "Events served on sync pulls after permission filtering.",
	})

	// RebuildsTotal counts projection rebuilds by strategy.
	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debitum",
		Name:      "projection_rebuilds_total",
		Help:      "Projection rebuilds, by strategy.",
	}, []string{"strategy"})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "debitum",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// WebsocketClients gauges connected change-feed clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "debitum",
		Name:      "websocket_clients",
		Help:      "Connected websocket change-feed clients.",
	})
)

// Handler exposes the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
