// Package metrics exposes the Prometheus instruments shared by the pipeline
// and the worker. All metrics live under the prodplan namespace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodplan",
		Name:      "ingestion_runs_total",
		Help:      "Ingestion runs by final status.",
	}, []string{"status"})

	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodplan",
		Name:      "rows_processed_total",
		Help:      "Rows merged into core tables, by entity.",
	}, []string{"entity"})

	RowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodplan",
		Name:      "rows_rejected_total",
		Help:      "Rows refused by the merge, by entity.",
	}, []string{"entity"})

	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prodplan",
		Name:      "ingestion_duration_seconds",
		Help:      "Wall time of complete ingestion runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodplan",
		Name:      "worker_jobs_total",
		Help:      "Worker jobs by name and outcome.",
	}, []string{"job", "status"})

	WorkerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prodplan",
		Name:      "worker_job_duration_seconds",
		Help:      "Wall time of worker jobs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job"})
)

// Handler serves the default registry; the worker mounts it on /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
