package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminder_jobs_enqueued_total", Help: "Reminder jobs admitted to the queue"}, []string{"backend"})
	JobsDuplicate    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminder_jobs_duplicate_total", Help: "Enqueues ignored because the job was already outstanding"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminder_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminder_jobs_retried_total", Help: "Jobs that failed and will retry"})
	JobsDead         = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminder_jobs_failed_total", Help: "Jobs that failed terminally"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reminder_queue_depth", Help: "Jobs eligible to run but not yet picked up"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reminder_jobs_inflight", Help: "Jobs currently executing"})
	ScanOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminder_scan_rows_total", Help: "Scanned rows by outcome"}, []string{"outcome"})
	ScanRuns         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminder_scans_total", Help: "Scanner runs by result"}, []string{"result"})
	Deliveries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminder_deliveries_total", Help: "Reminder emails by final delivery status"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminder_ops_rate_limit_rejects_total", Help: "Operational requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDuplicate,
			JobsCompleted,
			JobsRetried,
			JobsDead,
			QueueDepthGauge,
			InFlightGauge,
			ScanOutcomes,
			ScanRuns,
			Deliveries,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
