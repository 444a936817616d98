// Package metrics holds the Prometheus instruments of the report pipeline
// and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adreport"

var (
	// JobTransitions counts job status transitions by resulting status.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Report job status transitions by resulting status",
	}, []string{"status"})

	// ClaimConflicts counts claims lost to another worker.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_claim_conflicts_total",
		Help:      "Claims that found the job no longer pending",
	})

	// PipelineDuration observes end-to-end execution time per report type.
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Time from claim to completion of a report job",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"report_type"})

	// ExtractedRows counts statistic rows read from the store.
	ExtractedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extracted_rows_total",
		Help:      "Statistic rows extracted per report type",
	}, []string{"report_type"})

	// DispatchErrors counts failed enqueue attempts by backend.
	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_errors_total",
		Help:      "Failed enqueue or receive operations per dispatch backend",
	}, []string{"backend"})

	// ReapedJobs counts jobs failed by the reaper.
	ReapedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_jobs_total",
		Help:      "Jobs forced to failed after exceeding the processing timeout",
	})
)

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
