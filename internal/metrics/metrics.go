// Package metrics exposes Prometheus instrumentation for Sonata Core.
//
// All methods are nil-safe so callers can hold an optional *Metrics
// without guarding every observation site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for poll and command counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry               *prometheus.Registry
	httpRequests           *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	discoverySweepsTotal   prometheus.Counter
	discoverySweepDuration prometheus.Histogram
	pollsTotal             *prometheus.CounterVec
	commandsTotal          *prometheus.CounterVec
	devicesByReachability  *prometheus.GaugeVec
}

// New creates a fresh Metrics registry with HTTP, discovery, polling and
// command metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonata",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the API server",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sonata",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the API server",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	discoverySweepsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sonata",
		Name:      "discovery_sweeps_total",
		Help:      "Total number of completed discovery sweeps",
	})

	discoverySweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sonata",
		Name:      "discovery_sweep_duration_seconds",
		Help:      "Duration of discovery sweeps from start to finish",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	pollsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonata",
		Name:      "polls_total",
		Help:      "Count of device status polls by outcome",
	}, []string{"outcome"})

	commandsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonata",
		Name:      "commands_total",
		Help:      "Count of device commands by outcome",
	}, []string{"outcome"})

	devicesByReachability := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sonata",
		Name:      "devices",
		Help:      "Known devices partitioned by reachability state",
	}, []string{"reachability"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		discoverySweepsTotal,
		discoverySweepDuration,
		pollsTotal,
		commandsTotal,
		devicesByReachability,
	)

	return &Metrics{
		registry:               registry,
		httpRequests:           httpRequests,
		httpRequestDuration:    httpRequestDuration,
		discoverySweepsTotal:   discoverySweepsTotal,
		discoverySweepDuration: discoverySweepDuration,
		pollsTotal:             pollsTotal,
		commandsTotal:          commandsTotal,
		devicesByReachability:  devicesByReachability,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveDiscoverySweep records one completed sweep and its duration.
func (m *Metrics) ObserveDiscoverySweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.discoverySweepsTotal.Inc()
	m.discoverySweepDuration.Observe(duration.Seconds())
}

// IncPoll counts one device status poll.
func (m *Metrics) IncPoll(outcome string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(outcome).Inc()
}

// IncCommand counts one device command.
func (m *Metrics) IncCommand(outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(outcome).Inc()
}

// SetDevices replaces the device gauges with a fresh reachability breakdown.
func (m *Metrics) SetDevices(byReachability map[string]int) {
	if m == nil {
		return
	}
	m.devicesByReachability.Reset()
	for state, count := range byReachability {
		m.devicesByReachability.WithLabelValues(state).Set(float64(count))
	}
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
