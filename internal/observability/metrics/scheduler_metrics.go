package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics tracks background job health via prometheus.
type SchedulerMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobTimeouts  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobProcessed *prometheus.CounterVec
	runLoopLag   prometheus.Histogram
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics, registering them on first use.
func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = &SchedulerMetrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ledgercore_scheduler_job_runs_total",
				Help: "Number of scheduler job executions.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ledgercore_scheduler_job_errors_total",
				Help: "Number of scheduler job executions that returned an error.",
			}, []string{"job"}),
			jobTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ledgercore_scheduler_job_timeouts_total",
				Help: "Number of scheduler job executions cut off by their deadline.",
			}, []string{"job"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ledgercore_scheduler_job_duration_seconds",
				Help:    "Scheduler job wall time.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"job"}),
			jobProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ledgercore_scheduler_job_processed_total",
				Help: "Number of records processed per scheduler job.",
			}, []string{"job"}),
			runLoopLag: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "ledgercore_scheduler_run_loop_lag_seconds",
				Help:    "How far behind schedule the run loop started.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
		}
	})
	return schedulerMetrics
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(normalizeJob(job)).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(normalizeJob(job)).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(normalizeJob(job)).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(normalizeJob(job)).Observe(d.Seconds())
}

func (m *SchedulerMetrics) AddJobProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobProcessed.WithLabelValues(normalizeJob(job)).Add(float64(n))
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func normalizeJob(job string) string {
	job = strings.TrimSpace(job)
	if job == "" {
		return "unknown"
	}
	return job
}
