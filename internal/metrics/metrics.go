package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_jobs_submitted_total",
			Help: "Total number of jobs admitted to the queue",
		},
		[]string{"kind"},
	)

	JobsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_jobs_rejected_total",
			Help: "Total number of submissions rejected at admission",
		},
		[]string{"kind", "reason"}, // queue_full, duplicate
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"kind", "status"}, // succeeded, failed, cancelled
	)

	JobsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_jobs_evicted_total",
			Help: "Total number of terminal job records removed by cleanup",
		},
	)

	PipelineAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_pipeline_render_attempts_total",
			Help: "Total number of render attempts made by the retry loop",
		},
		[]string{"success"}, // "true" or "false"
	)

	PipelineCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_pipeline_cost_usd_total",
			Help: "Cumulative LLM spend in USD",
		},
	)

	ArtifactCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_artifact_cache_hits_total",
			Help: "Total number of artifact resolutions served from cache",
		},
	)

	ArtifactFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringforge_artifact_fetches_total",
			Help: "Total number of network fetches made by the artifact resolver",
		},
		[]string{"success"},
	)

	ArtifactIntegrityFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ringforge_artifact_integrity_failures_total",
			Help: "Total number of fetched artifacts whose hash did not match",
		},
	)

	// Gauges
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringforge_queue_depth",
			Help: "Number of jobs waiting in the admission queue",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringforge_running_jobs",
			Help: "Number of jobs currently executing on a worker",
		},
	)

	JobRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringforge_job_records",
			Help: "Number of job records held in the registry",
		},
	)

	// Histograms
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringforge_job_duration_seconds",
			Help:    "Wall time from start to finish of executed jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind", "status"},
	)
)
