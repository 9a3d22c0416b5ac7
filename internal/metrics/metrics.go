// Package metrics exposes Prometheus counters for the proxy's two engines.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testproxy"

// Metrics holds the proxy's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	transformErrors  prometheus.Counter
	assetResponses   *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	violations       prometheus.Counter
	pendingEvents    prometheus.Gauge
	openConnections  prometheus.Gauge
	transformSeconds prometheus.Histogram
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instrumentation_cache_lookups_total",
			Help:      "Instrumentation cache lookups by result (hit, miss, stale)",
		}, []string{"result"}),

		transformErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instrumentation_errors_total",
			Help:      "Instrumenter invocations that failed",
		}),

		assetResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_responses_total",
			Help:      "Asset responses by status code",
		}, []string{"code"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_deliveries_total",
			Help:      "Event deliveries by outcome (ok, failed, cancelled)",
		}, []string{"outcome"}),

		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_violations_total",
			Help:      "Events rejected because their sequence was already used",
		}),

		pendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Events parked in reorder buffers across all sessions",
		}),

		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Raw transport connections currently open",
		}),

		transformSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instrumentation_duration_seconds",
			Help:      "Time spent in the instrumenter",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) TransformFailed() {
	if m == nil {
		return
	}
	m.transformErrors.Inc()
}

func (m *Metrics) ObserveTransform(seconds float64) {
	if m == nil {
		return
	}
	m.transformSeconds.Observe(seconds)
}

func (m *Metrics) AssetResponse(code string) {
	if m == nil {
		return
	}
	m.assetResponses.WithLabelValues(code).Inc()
}

func (m *Metrics) Delivered(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SequenceViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.pendingEvents.Add(delta)
}

func (m *Metrics) AddConnections(delta float64) {
	if m == nil {
		return
	}
	m.openConnections.Add(delta)
}
