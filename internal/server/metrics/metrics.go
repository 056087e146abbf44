// Package metrics exposes Prometheus instrumentation for the account server.
// All collectors live on a private registry so several servers (and tests)
// can coexist in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for auth outcomes.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Metrics groups the server collectors.
type Metrics struct {
	registry     *prometheus.Registry
	authOutcomes *prometheus.CounterVec
	hashDuration prometheus.Histogram
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophauth_auth_operations_total",
				Help: "Total number of account operations by outcome",
			},
			[]string{"operation", "result"},
		),
		hashDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gophauth_key_derivation_duration_seconds",
				Help:    "Time spent deriving or verifying credential records",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gophauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.authOutcomes,
		m.hashDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordAuth counts one account operation. result should be one of the
// Result* constants.
func (m *Metrics) RecordAuth(operation, result string) {
	m.authOutcomes.WithLabelValues(operation, result).Inc()
}

// ObserveKeyDerivation records how long one hash or verify took.
func (m *Metrics) ObserveKeyDerivation(d time.Duration) {
	m.hashDuration.Observe(d.Seconds())
}

// ObserveHTTP records a finished HTTP request. route is the mux pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
