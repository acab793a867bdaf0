// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/jobqueue/jobqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_added_total",
		Help: "Total number of jobs added to the queue",
	}, []string{"type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	}, []string{"type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_failed_total",
		Help: "Total number of jobs that exhausted their retries",
	}, []string{"type"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_retried_total",
		Help: "Total number of job retry attempts scheduled",
	}, []string{"type"})
	JobsStalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_stalled_total",
		Help: "Total number of jobs recovered from a dead worker's lease",
	}, []string{"type"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_processing_duration_seconds",
		Help:    "Histogram of job handler durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_queue_depth",
		Help: "Current number of jobs per type and status",
	}, []string{"type", "status"})
	ActiveWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_active_jobs",
		Help: "Number of jobs currently being processed",
	}, []string{"type"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		JobsAdded, JobsCompleted, JobsFailed, JobsRetried, JobsStalled,
		JobProcessingDuration, QueueDepth, ActiveWorkers,
		CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics and returns a server for
// controlled shutdown. Prefer StartHTTPServer, which also serves
// health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
