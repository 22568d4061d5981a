package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_jobs_submitted_total", Help: "Refresh jobs accepted into the pending queue"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_jobs_completed_total", Help: "Refresh jobs that completed"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_jobs_failed_total", Help: "Refresh jobs that failed, including reaped ones"})
	JobsCleaned         = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_jobs_cleaned_total", Help: "Terminal jobs deleted after retention"})
	WorkerLoopErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_worker_loop_errors_total", Help: "Worker iterations that hit a store error or panic"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_rate_limit_rejects_total", Help: "Submissions rejected by the per-owner rate limiter"})
	BackpressureRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_backpressure_rejects_total", Help: "Submissions rejected because the queue was too long"})
	UnreadableRecords   = prometheus.NewCounter(prometheus.CounterOpts{Name: "refresh_unreadable_records_total", Help: "Job records skipped during a scan because they could not be decoded"})
	AbandonedExecutions = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refresh_abandoned_executions", Help: "Timed-out executor calls that have not returned yet"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refresh_queue_depth", Help: "Pending queue length at last observation"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refresh_jobs_inflight", Help: "Jobs currently executing in this process"})
	ExecutionSeconds    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "refresh_job_execution_seconds",
		Help:    "Pipeline executor latency per job",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCleaned,
			WorkerLoopErrors,
			RateLimitRejects,
			BackpressureRejects,
			UnreadableRecords,
			AbandonedExecutions,
			QueueDepthGauge,
			InFlightGauge,
			ExecutionSeconds,
		)
	})
	return promhttp.Handler()
}
