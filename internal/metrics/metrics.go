// Package metrics holds the prometheus instrumentation for intake and the
// dispatcher. Metrics are constructed once at boot and injected; nothing is
// registered at package init.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the service exposes.
type Metrics struct {
	Registry *prometheus.Registry

	JobCreatedTotal      prometheus.Counter
	EnqueueRejectedTotal prometheus.Counter
	JobFinishedTotal     *prometheus.CounterVec
	WorkerErrorsTotal    prometheus.Counter
	ExitCodeTotal        *prometheus.CounterVec
	ErrorTotal           prometheus.Counter

	JobDurationSeconds  prometheus.Histogram
	JobQueueWaitSeconds prometheus.Histogram
	JobRunSeconds       prometheus.Histogram
	JobEndToEndSeconds  prometheus.Histogram

	WorkerHeartbeatTimestamp prometheus.Gauge
}

var runBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		JobCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_job_created_total",
			Help: "Total number of jobs created",
		}),
		EnqueueRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_enqueue_rejected_total",
			Help: "Total number of job enqueue rejections",
		}),
		JobFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_job_finished_total",
			Help: "Total number of jobs finished",
		}, []string{"status"}),
		WorkerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_worker_errors_total",
			Help: "Total number of worker loop errors",
		}),
		ExitCodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_exit_code_total",
			Help: "Total number of job exit codes",
		}, []string{"exit_code"}),
		ErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_error_total",
			Help: "Total number of failed jobs",
		}),
		JobDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: runBuckets,
		}),
		JobQueueWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_queue_wait_seconds",
			Help:    "Time from job creation to worker pickup (seconds)",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		JobRunSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_run_seconds",
			Help:    "Time from job start to finish (seconds)",
			Buckets: runBuckets,
		}),
		JobEndToEndSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_end_to_end_seconds",
			Help:    "Time from job creation to finish (seconds)",
			Buckets: runBuckets,
		}),
		WorkerHeartbeatTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "k2p_worker_heartbeat_timestamp_seconds",
			Help: "Worker heartbeat (Unix timestamp)",
		}),
	}

	reg.MustRegister(
		m.JobCreatedTotal,
		m.EnqueueRejectedTotal,
		m.JobFinishedTotal,
		m.WorkerErrorsTotal,
		m.ExitCodeTotal,
		m.ErrorTotal,
		m.JobDurationSeconds,
		m.JobQueueWaitSeconds,
		m.JobRunSeconds,
		m.JobEndToEndSeconds,
		m.WorkerHeartbeatTimestamp,
	)
	return m
}

// ObserveExitCode increments the per-exit-code counter.
func (m *Metrics) ObserveExitCode(code int) {
	m.ExitCodeTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
