package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_jobs_dispatched_total", Help: "Jobs handed to the queue"}, []string{"kind"})
	DispatchFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_dispatch_failures_total", Help: "Queue submissions that returned an error"}, []string{"kind"})
	DispatchThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_dispatch_throttled_total", Help: "Submissions deferred by the rate limiter"}, []string{"kind"})
	DispatchRaceLost  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_dispatch_race_lost_total", Help: "Submissions terminated because another dispatcher recorded a handle first"}, []string{"kind"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_jobs_failed_total", Help: "Jobs marked failed by reason"}, []string{"kind", "reason"})
	JobsRetried       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_jobs_retried_total", Help: "Retry rows created"}, []string{"kind"})
	JobsCreated       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_processor_jobs_created_total", Help: "Processor jobs created by fan-out"}, []string{"source"})
	AdmissionDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_admission_deferred_total", Help: "Dispatches deferred by the per-RAM-tier ceiling"}, []string{"kind"})
	DescribeErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_describe_errors_total", Help: "Queue status lookups that failed"}, []string{"caller"})
	JobsAbandoned     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "refinery_jobs_abandoned", Help: "Failed jobs at the retry ceiling"}, []string{"kind"})
	DownloadedBytes   = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_downloaded_bytes_total", Help: "Bytes written by downloader jobs"})
	ForemanPasses     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refinery_foreman_passes_total", Help: "Reconciliation procedure runs by outcome"}, []string{"procedure", "outcome"})
	LocalQueueDepth   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refinery_local_queue_depth", Help: "Ready submissions in the Redis queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			DispatchFailures,
			DispatchThrottled,
			DispatchRaceLost,
			JobsFailed,
			JobsRetried,
			JobsCreated,
			AdmissionDeferred,
			DescribeErrors,
			JobsAbandoned,
			DownloadedBytes,
			ForemanPasses,
			LocalQueueDepth,
		)
	})
}
