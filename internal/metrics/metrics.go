// Package metrics exposes Prometheus collectors for the crawl agent.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal           *prometheus.CounterVec
	jobDurationSeconds  *prometheus.HistogramVec
	retriesPublished    *prometheus.CounterVec
	stagedBacklog       *prometheus.GaugeVec
	quarantinedTotal    *prometheus.CounterVec
	errorSinkFailures   *prometheus.CounterVec
	artifactUploadTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlagent_jobs_total",
				Help: "Total number of dispatched jobs, labeled by subscription and outcome.",
			},
			[]string{"subscription", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlagent_job_duration_seconds",
				Help:    "Histogram of crawl subprocess run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"subscription"},
		)

		retriesPublished = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlagent_retries_published_total",
				Help: "Total number of jobs resubmitted to the retry topic, labeled by error genre.",
			},
			[]string{"subscription", "genre"},
		)

		stagedBacklog = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlagent_staged_backlog",
				Help: "Number of staged job files currently on disk per subscription.",
			},
			[]string{"subscription"},
		)

		quarantinedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlagent_quarantined_total",
				Help: "Total number of staged files quarantined as unreadable.",
			},
			[]string{"subscription"},
		)

		errorSinkFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlagent_error_sink_failures_total",
				Help: "Total number of failed writes to the external error sink.",
			},
			[]string{"subscription"},
		)

		artifactUploadTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlagent_artifact_uploads_total",
				Help: "Total number of failure artifact uploads, labeled by status.",
			},
			[]string{"subscription", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one finished dispatch with its outcome and duration.
func ObserveJob(subscription, outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(subscription, outcome).Inc()
	jobDurationSeconds.WithLabelValues(subscription).Observe(duration.Seconds())
}

// ObserveRetryPublished increments the resubmission counter for the genre.
func ObserveRetryPublished(subscription, genre string) {
	retriesPublished.WithLabelValues(subscription, genre).Inc()
}

// SetStagedBacklog records the current number of staged files.
func SetStagedBacklog(subscription string, n int) {
	stagedBacklog.WithLabelValues(subscription).Set(float64(n))
}

// IncQuarantined increments the quarantine counter.
func IncQuarantined(subscription string) {
	quarantinedTotal.WithLabelValues(subscription).Inc()
}

// IncErrorSinkFailure increments the error sink failure counter.
func IncErrorSinkFailure(subscription string) {
	errorSinkFailures.WithLabelValues(subscription).Inc()
}

// ObserveArtifactUpload records one failure artifact upload attempt.
func ObserveArtifactUpload(subscription, status string) {
	artifactUploadTotal.WithLabelValues(subscription, status).Inc()
}
