package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "geoecho"
	subsystem = "server"
)

// Manager holds every collector the service exports
type Manager struct {
	registry *prometheus.Registry

	// counters
	CounterRequests  *prometheus.CounterVec
	CounterPanics    prometheus.Counter
	CounterLookups   *prometheus.CounterVec
	CounterDBUpdates *prometheus.CounterVec

	// histograms
	HistRequestDuration prometheus.Histogram
}

// NewManager registers the service collectors on a fresh registry
func NewManager() *Manager {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Manager{
		registry: reg,
		CounterRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "The total number of served requests",
		}, []string{"method", "status"}),
		CounterPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_panics_total",
			Help:      "The total number of recovered handler panics",
		}),
		CounterLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geodb",
			Name:      "lookups_total",
			Help:      "Local database lookups by outcome (hit, miss, cached, invalid)",
		}, []string{"result"}),
		CounterDBUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geodb",
			Name:      "updates_total",
			Help:      "Database update attempts by outcome",
		}, []string{"result"}),
		HistRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration of served requests",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLookup counts a local database lookup; nil-safe so callers may run
// without metrics.
func (m *Manager) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.CounterLookups.WithLabelValues(result).Inc()
}

// ObserveUpdate counts a database update attempt
func (m *Manager) ObserveUpdate(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.CounterDBUpdates.WithLabelValues(result).Inc()
}
