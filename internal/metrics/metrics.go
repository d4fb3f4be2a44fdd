// Package metrics provides Prometheus instrumentation for the chat backend.
// It exposes gauges for connection counts, counters for event and message
// throughput, and histograms for fanout latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of registered WebSocket sessions",
	})

	// EventsPublished counts events handed to the fanout broker, by kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_published_total",
		Help: "Total number of events published to the fanout broker",
	}, []string{"kind"})

	// MessagesTotal counts inbound send frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of send frames processed",
	}, []string{"result"}) // result = "delivered", "dropped", "failed"

	// FanoutLatency records local delivery latency in seconds.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_fanout_latency_seconds",
		Help:    "Local fanout delivery latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// MailboxEnqueued counts events diverted to offline mailboxes.
	MailboxEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_mailbox_enqueued_total",
		Help: "Total number of events enqueued to offline mailboxes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsPublished,
		MessagesTotal,
		FanoutLatency,
		MailboxEnqueued,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
