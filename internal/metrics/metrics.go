// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerTasksTotal          *prometheus.CounterVec
	crawlerTaskDurationSeconds *prometheus.HistogramVec
	crawlerRecordsWrittenTotal *prometheus.CounterVec
	crawlerActiveWorkers       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total number of crawl tasks finished, labeled by crawler type and terminal status.",
			},
			[]string{"crawler_type", "status"},
		)

		crawlerTaskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_task_duration_seconds",
				Help:    "Histogram of crawl execution durations, labeled by crawler type.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"crawler_type"},
		)

		crawlerRecordsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_written_total",
				Help: "Total number of records written by successful crawls, labeled by crawler type.",
			},
			[]string{"crawler_type"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently executing a crawl.",
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

// ObserveTask records one finished task with its execution duration.
func ObserveTask(crawlerType, status string, duration time.Duration) {
	if crawlerTasksTotal == nil {
		return
	}
	crawlerTasksTotal.WithLabelValues(crawlerType, status).Inc()
	crawlerTaskDurationSeconds.WithLabelValues(crawlerType).Observe(duration.Seconds())
}

// AddRecordsWritten accumulates rows written by successful crawls.
func AddRecordsWritten(crawlerType string, rows int) {
	if crawlerRecordsWrittenTotal == nil || rows <= 0 {
		return
	}
	crawlerRecordsWrittenTotal.WithLabelValues(crawlerType).Add(float64(rows))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Dec()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
