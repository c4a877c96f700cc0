// Package metrics holds the Prometheus collectors for discovery, construction and routing.
// Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// Metrics bundles the mesh collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	backendCalls        *prometheus.CounterVec
	discoveryMode       *prometheus.GaugeVec
	cacheEntries        prometheus.Gauge
	constructions       *prometheus.CounterVec
	constructionSeconds *prometheus.HistogramVec
	componentState      *prometheus.GaugeVec
	routeRequests       *prometheus.CounterVec
	routeSeconds        *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, with Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "backend_calls_total",
			Help:      "Discovery backend calls by operation and result.",
		}, []string{"op", "result"}),
		discoveryMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "mode",
			Help:      "1 for the current discovery mode, 0 otherwise.",
		}, []string{"mode"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "cache_entries",
			Help:      "Component names held in the discovery cache.",
		}),
		constructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "constructions_total",
			Help:      "Component construction attempts by tier and result.",
		}, []string{"tier", "result"}),
		constructionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "construction_seconds",
			Help:      "Time spent constructing and initializing a component.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		componentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "components",
			Help:      "Components per lifecycle state.",
		}, []string{"state"}),
		routeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Routed requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		routeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "request_seconds",
			Help:      "Routed request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	m.registry.MustRegister(
		m.backendCalls,
		m.discoveryMode,
		m.cacheEntries,
		m.constructions,
		m.constructionSeconds,
		m.componentState,
		m.routeRequests,
		m.routeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// BackendCall records one backend call. result is "ok", "unavailable" or "error".
func (m *Metrics) BackendCall(op, result string) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(op, result).Inc()
}

// SetMode marks mode as current and every other known mode as inactive.
func (m *Metrics) SetMode(mode string, known ...string) {
	if m == nil {
		return
	}
	for _, k := range known {
		m.discoveryMode.WithLabelValues(k).Set(0)
	}
	m.discoveryMode.WithLabelValues(mode).Set(1)
}

// SetCacheEntries records the cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// Construction records one construction attempt.
func (m *Metrics) Construction(tier string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.constructions.WithLabelValues(tier, result).Inc()
	m.constructionSeconds.WithLabelValues(tier).Observe(took.Seconds())
}

// SetComponentStates replaces the per-state component counts.
func (m *Metrics) SetComponentStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.componentState.Reset()
	for state, n := range counts {
		m.componentState.WithLabelValues(state).Set(float64(n))
	}
}

// Route records one routed request.
func (m *Metrics) Route(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.routeRequests.WithLabelValues(endpoint, outcome).Inc()
	m.routeSeconds.WithLabelValues(endpoint).Observe(took.Seconds())
}
