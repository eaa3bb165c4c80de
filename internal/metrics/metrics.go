// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestItemsTotal          *prometheus.CounterVec
	harvestPlacesTotal         *prometheus.CounterVec
	harvestFetchSeconds        *prometheus.HistogramVec
	harvestCellsSubdivided     prometheus.Counter
	harvestLeasesReaped        prometheus.Counter
	harvestActiveWorkers       prometheus.Gauge
	harvestRateLimitSeconds    prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		harvestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total number of work items finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestPlacesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_places_total",
				Help: "Total number of resolved candidates, labeled by upsert outcome.",
			},
			[]string{"outcome"},
		)

		harvestFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of provider fetch latencies, labeled by result.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"result"},
		)

		harvestCellsSubdivided = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_cells_subdivided_total",
				Help: "Total cells subdivided after saturating the provider result cap.",
			},
		)

		harvestLeasesReaped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_leases_reaped_total",
				Help: "Total expired leases returned to the pending queue.",
			},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a work item.",
			},
		)

		harvestRateLimitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of provider rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the work item counter for the given outcome.
func ObserveItem(outcome string) {
	harvestItemsTotal.WithLabelValues(outcome).Inc()
}

// ObservePlace increments the resolved candidate counter for the given outcome.
func ObservePlace(outcome string) {
	harvestPlacesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a provider fetch duration.
func ObserveFetch(result string, duration time.Duration) {
	harvestFetchSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveSubdivision increments the subdivision counter.
func ObserveSubdivision() {
	harvestCellsSubdivided.Inc()
}

// ObserveReapedLeases adds recovered lease count to the reap counter.
func ObserveReapedLeases(n int) {
	if n > 0 {
		harvestLeasesReaped.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	harvestRateLimitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
