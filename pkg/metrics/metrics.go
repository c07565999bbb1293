// Package metrics provides Prometheus metrics collection and exposition
// for the Shepherd supervisor daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal tracks the number of known runs by their current
	// normalized status.
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_runs_total",
			Help: "Total number of runs by normalized status",
		},
		[]string{"status"},
	)

	BlacklistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_blacklist_nodes",
			Help: "Current number of non-expired nodes in the blacklist",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_tick_duration_seconds",
			Help:    "Time taken for one supervisor tick across all runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_ticks_total",
			Help: "Total number of supervisor ticks completed",
		},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_submissions_total",
			Help: "Total number of sbatch submissions by partition",
		},
		[]string{"partition"},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_failures_total",
			Help: "Total number of classified run failures by kind",
		},
		[]string{"kind"},
	)

	BlacklistAdditionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_blacklist_additions_total",
			Help: "Total number of nodes added to the blacklist by reason",
		},
		[]string{"reason"},
	)

	SchedulerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shepherd_scheduler_call_duration_seconds",
			Help:    "Duration of scheduler CLI invocations by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	SchedulerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_scheduler_calls_total",
			Help: "Total scheduler CLI invocations by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_lock_contention_total",
			Help: "Total number of ticks skipped due to run lock contention",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		BlacklistSize,
		TickDuration,
		TicksTotal,
		SubmissionsTotal,
		FailuresTotal,
		BlacklistAdditionsTotal,
		SchedulerCallDuration,
		SchedulerCallsTotal,
		LockContentionTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
