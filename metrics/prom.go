// Package metrics records bus activity as prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/curtisnewbie/microbus/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// enable metrics | true
	PropMetricsEnabled = "metrics.enabled"

	// route of the prometheus handler | /metrics
	PropMetricsRoute = "metrics.route"
)

const (
	DropReasonUnknownType   = "unknown_type"
	DropReasonSerialization = "serialization"
	DropReasonHandlerFailed = "handler_failed"
	DropReasonMaxRetry      = "max_retry"
)

func init() {
	config.SetDefProp(PropMetricsEnabled, true)
	config.SetDefProp(PropMetricsRoute, "/metrics")
}

// Bus metrics.
//
// A nil *Metrics is valid, every method is a no-op.
type Metrics struct {
	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// Create Metrics and register the collectors.
//
// Registering twice on the same registerer panics, pass a new prometheus.Registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "microbus_events_published_total",
			Help: "Total number of events published",
		}, []string{"event"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "microbus_events_delivered_total",
			Help: "Total number of events delivered to the consumer",
		}, []string{"event"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "microbus_events_dropped_total",
			Help: "Total number of events dropped by event and reason",
		}, []string{"event", "reason"}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "microbus_handler_failures_total",
			Help: "Total number of failed handler invocations",
		}, []string{"event", "handler"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "microbus_handler_duration_seconds",
			Help:    "Duration of handler invocations",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "handler"}),
	}
}

func (m *Metrics) Published(event string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event).Inc()
}

func (m *Metrics) Delivered(event string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(event).Inc()
}

func (m *Metrics) Dropped(event string, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(event, reason).Inc()
}

// Record a handler invocation, failures are counted when err is not nil.
func (m *Metrics) ObserveHandler(event string, handler string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(event, handler).Observe(took.Seconds())
	if err != nil {
		m.handlerFailures.WithLabelValues(event, handler).Inc()
	}
}

// Handler of the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Handler of the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
