// Package metrics exposes Prometheus collectors for the case fetcher.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchAttemptSeconds        *prometheus.HistogramVec
	casesTotal                 *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	sinkFlushesTotal           *prometheus.CounterVec
	sinkFlushedRecordsTotal    prometheus.Counter
	sinkFlushSeconds           prometheus.Histogram
	activeWorkers              prometheus.Gauge
	checkpointPending          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stf_fetch_attempts_total",
				Help: "Fetch attempts, labeled by route and outcome.",
			},
			[]string{"route", "outcome"},
		)

		fetchAttemptSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stf_fetch_attempt_duration_seconds",
				Help:    "Latency of individual fetch attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		)

		casesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stf_cases_total",
				Help: "Finalized cases, labeled by checkpoint status and record source.",
			},
			[]string{"status", "source"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stf_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"route"},
		)

		sinkFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stf_sink_flushes_total",
				Help: "Result sink flushes, labeled by result.",
			},
			[]string{"result"},
		)

		sinkFlushedRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stf_sink_flushed_records_total",
				Help: "Records durably written to the tabular store.",
			},
		)

		sinkFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stf_sink_flush_duration_seconds",
				Help:    "Duration of successful result sink flushes.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stf_active_workers",
				Help: "Number of workers currently processing a case.",
			},
		)

		checkpointPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stf_checkpoint_pending",
				Help: "Finalized cases not yet synced to the checkpoint backend.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stf_status_requests_total",
				Help: "Status server requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stf_status_request_duration_seconds",
				Help:    "Status server latency, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one fetch attempt.
func ObserveAttempt(route, outcome string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(route, outcome).Inc()
	fetchAttemptSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveCase records a finalized case.
func ObserveCase(status, source string) {
	Init()
	casesTotal.WithLabelValues(status, source).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(route string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveFlush records a sink flush and its size.
func ObserveFlush(err error, records int, duration time.Duration) {
	Init()
	if err != nil {
		sinkFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	sinkFlushesTotal.WithLabelValues("ok").Inc()
	sinkFlushedRecordsTotal.Add(float64(records))
	sinkFlushSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetCheckpointPending reports the unsynced checkpoint backlog.
func SetCheckpointPending(n int) {
	Init()
	checkpointPending.Set(float64(n))
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
