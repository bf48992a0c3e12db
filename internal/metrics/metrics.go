package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// PipelinesCompleted counts finished pipelines by terminal outcome.
	PipelinesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "pipelines_completed_total",
			Help:      "Total number of processing pipelines by outcome",
		},
		[]string{"outcome"},
	)

	// PipelineDuration tracks the end-to-end time of a pipeline run.
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "media",
			Name:      "pipeline_duration_seconds",
			Help:      "Time taken to process a video end to end",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// ActiveJobs tracks the number of pipelines currently running.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "media",
			Name:      "active_jobs",
			Help:      "Number of currently running pipelines",
		},
	)

	// ActiveEncodes tracks encoder subprocesses currently running.
	ActiveEncodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "media",
			Name:      "active_encodes",
			Help:      "Number of rendition encodes currently running",
		},
	)

	// ProbeDuration tracks metadata extraction time.
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "media",
			Name:      "probe_duration_seconds",
			Help:      "Time taken to probe source media",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30},
		},
	)

	// EncodesTotal counts rendition encodes by quality and outcome.
	EncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "encodes_total",
			Help:      "Total number of rendition encodes",
		},
		[]string{"quality", "outcome"},
	)

	// EncodeDuration tracks the time taken per rendition encode.
	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "media",
			Name:      "encode_duration_seconds",
			Help:      "Time taken to encode one rendition",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"quality"},
	)

	// ThumbnailsTotal counts thumbnail generation attempts by outcome.
	ThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "thumbnails_total",
			Help:      "Total number of thumbnail generation attempts",
		},
		[]string{"outcome"},
	)

	// FileTransferDuration tracks time spent moving files to and from storage.
	FileTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "media",
			Name:      "file_transfer_duration_seconds",
			Help:      "Time taken to move files to or from storage",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120},
		},
		[]string{"direction"},
	)

	// JobsRetried counts jobs handed back to the queue for redelivery.
	JobsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "jobs_retried_total",
			Help:      "Total number of pipeline jobs returned for redelivery",
		},
	)
)

// Playback and analytics metrics
var (
	// ViewsRecorded counts recorded views, split by whether a new event was created.
	ViewsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "views_recorded_total",
			Help:      "Total number of recorded views",
		},
		[]string{"interaction", "result"},
	)

	// StreamSelections counts stream selections by served quality.
	StreamSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Name:      "stream_selections_total",
			Help:      "Total number of stream selections",
		},
		[]string{"quality", "fallback"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "media",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsAccepted counts originals accepted for processing.
	UploadsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "api",
			Name:      "uploads_accepted_total",
			Help:      "Total number of uploads accepted for processing",
		},
	)
)

// RecordPipeline records a finished pipeline.
func RecordPipeline(outcome string, seconds float64) {
	PipelinesCompleted.WithLabelValues(outcome).Inc()
	PipelineDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordEncode records the outcome of one rendition encode.
func RecordEncode(quality string, ok bool, seconds float64) {
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	EncodesTotal.WithLabelValues(quality, outcome).Inc()
	if ok {
		EncodeDuration.WithLabelValues(quality).Observe(seconds)
	}
}

// RecordThumbnail records a thumbnail generation attempt.
func RecordThumbnail(ok bool) {
	if ok {
		ThumbnailsTotal.WithLabelValues("success").Inc()
		return
	}
	ThumbnailsTotal.WithLabelValues("failed").Inc()
}

// RecordView records a view; created is false when it merged into an existing event.
func RecordView(interaction string, created bool) {
	result := "merged"
	if created {
		result = "created"
	}
	ViewsRecorded.WithLabelValues(interaction, result).Inc()
}

// RecordStreamSelection records the quality served for a playback request.
func RecordStreamSelection(quality string, fellBack bool) {
	fallback := "false"
	if fellBack {
		fallback = "true"
	}
	StreamSelections.WithLabelValues(quality, fallback).Inc()
}
