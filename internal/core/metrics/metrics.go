// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simrun_jobs_submitted_total",
			Help: "Total number of jobs created",
		},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrun_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simrun_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simrun_jobs_running",
			Help: "Number of jobs currently executing on this instance",
		},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simrun_claim_conflicts_total",
			Help: "Dispatch claims lost to another owner or a cancellation",
		},
	)

	launchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simrun_launch_failures_total",
			Help: "Execution units that could not be created or started",
		},
	)

	dispatcherSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simrun_dispatcher_slots",
			Help: "Configured dispatcher slots",
		},
	)

	logSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simrun_log_subscribers",
			Help: "Open live log streams",
		},
	)
)

func RecordSubmitted(n int) {
	jobsSubmitted.Add(float64(n))
}

func RecordFinished(status string, duration time.Duration) {
	jobsFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func IncRunning() {
	jobsRunning.Inc()
}

func DecRunning() {
	jobsRunning.Dec()
}

func RecordClaimConflict() {
	claimConflicts.Inc()
}

func RecordLaunchFailure() {
	launchFailures.Inc()
}

func SetSlots(n int) {
	dispatcherSlots.Set(float64(n))
}

func IncLogSubscribers() {
	logSubscribers.Inc()
}

func DecLogSubscribers() {
	logSubscribers.Dec()
}
