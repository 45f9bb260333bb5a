// Package metrics exposes Prometheus metrics for the conversation backend and
// the WebSocket relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gogochat"

// Outcomes of a conversation request.
const (
	OutcomeOK        = "ok"
	OutcomeInvalid   = "invalid"
	OutcomeBlocked   = "blocked"
	OutcomeUpstream  = "upstream_error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the collectors of one server. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	conversationsTotal *prometheus.CounterVec
	streamDuration     *prometheus.HistogramVec
	fragmentsTotal     prometheus.Counter
	connectionsActive  prometheus.Gauge
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_requests_total",
				Help:      "Total number of conversation requests by outcome",
			},
			[]string{"outcome"},
		),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversation_stream_duration_seconds",
				Help:      "Duration of streamed conversation answers in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		fragmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Total number of text fragments written to conversation streams",
			},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Number of open WebSocket relay connections",
			},
		),
	}

	m.registry.MustRegister(
		m.conversationsTotal,
		m.streamDuration,
		m.fragmentsTotal,
		m.connectionsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordConversation records a finished conversation request.
func (m *Metrics) RecordConversation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.conversationsTotal.WithLabelValues(outcome).Inc()
	m.streamDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordFragment records one fragment written to a stream.
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.fragmentsTotal.Inc()
}

// ConnectionOpened records a new relay connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnectionClosed records a closed relay connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}
