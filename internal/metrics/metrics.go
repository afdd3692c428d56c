// Package metrics provides Prometheus metrics for the beatsync job pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no job IDs or refs.

var (
	// JobsTotal counts jobs reaching a terminal status, by type and status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_jobs_total",
		Help: "Total number of finished jobs, by type and terminal status.",
	}, []string{"type", "status"})

	// JobsSubmittedTotal counts accepted submissions by type.
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_jobs_submitted_total",
		Help: "Total number of accepted job submissions, by type.",
	}, []string{"type"})

	// JobFailuresTotal counts failed jobs by error code.
	JobFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_job_failures_total",
		Help: "Total number of failed jobs, by error code.",
	}, []string{"code"})

	// StageDuration observes the wall-clock duration of each pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beatsync_stage_duration_seconds",
		Help:    "Duration of pipeline stages in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	// WebhookDeliveriesTotal counts webhook deliveries by outcome.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_webhook_deliveries_total",
		Help: "Total number of webhook deliveries, by outcome.",
	}, []string{"outcome"}) // outcome=delivered|failed|dropped

	// BeatMapCacheTotal counts beat map lookups by result.
	BeatMapCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_beatmap_cache_total",
		Help: "Beat map cache lookups, by result.",
	}, []string{"result"}) // result=hit|miss|persisted

	// StorageRetriesTotal counts retried storage operations.
	StorageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beatsync_storage_retries_total",
		Help: "Total number of retried storage calls, by operation.",
	}, []string{"op"})

	// QueueDepth tracks the number of queued jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beatsync_queue_depth",
		Help: "Current number of jobs waiting in the queue.",
	})

	// ActiveJobs tracks jobs currently being processed by workers.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beatsync_active_jobs",
		Help: "Current number of jobs being processed.",
	})
)

// RecordJobFinished increments the terminal job counter.
func RecordJobFinished(jobType, status string) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordJobFailure increments the failure counter by error code.
func RecordJobFailure(code string) {
	JobFailuresTotal.WithLabelValues(code).Inc()
}

// RecordSubmitted increments the submission counter.
func RecordSubmitted(jobType string) {
	JobsSubmittedTotal.WithLabelValues(jobType).Inc()
}

// ObserveStage records how long a stage took.
func ObserveStage(stage string, seconds float64) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordWebhook increments the webhook outcome counter.
func RecordWebhook(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordBeatMapCache increments the cache counter.
func RecordBeatMapCache(result string) {
	BeatMapCacheTotal.WithLabelValues(result).Inc()
}

// RecordStorageRetry increments the storage retry counter.
func RecordStorageRetry(op string) {
	StorageRetriesTotal.WithLabelValues(op).Inc()
}

// SetQueueDepth sets the queue depth gauge.
func SetQueueDepth(n int64) {
	QueueDepth.Set(float64(n))
}
