// Package metrics exposes Prometheus instrumentation for the extraction
// pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Model call outcomes.
const (
	CallOK           = "ok"
	CallSchemaError  = "schema_error"
	CallServiceError = "service_error"
)

// Document outcomes.
const (
	DocOK         = "ok"
	DocUnreadable = "unreadable"
	DocFailed     = "failed"
	DocCanceled   = "canceled"
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	DocumentsProcessed *prometheus.CounterVec
	ModelCalls         *prometheus.CounterVec
	ReviewDecisions    *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	ReviewQueueDepth   prometheus.Gauge
}

// Get returns the collectors, registering them with the default registry
// on first use.
//
// Metrics:
//   - movx_documents_processed_total{outcome} - ok, unreadable, failed, canceled
//   - movx_model_calls_total{outcome} - ok, schema_error, service_error
//   - movx_review_decisions_total{status} - review status assigned or set
//   - movx_pipeline_duration_seconds - end-to-end extraction time
//   - movx_review_queue_depth - reports currently awaiting review
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			DocumentsProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "movx_documents_processed_total",
					Help: "Documents run through the extraction pipeline",
				},
				[]string{"outcome"},
			),
			ModelCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "movx_model_calls_total",
					Help: "Model-assisted extraction requests by outcome",
				},
				[]string{"outcome"},
			),
			ReviewDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "movx_review_decisions_total",
					Help: "Review statuses assigned to reports",
				},
				[]string{"status"},
			),
			PipelineDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "movx_pipeline_duration_seconds",
					Help:    "End-to-end duration of one document extraction",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
				},
			),
			ReviewQueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "movx_review_queue_depth",
					Help: "Reports awaiting human review",
				},
			),
		}
	})
	return global
}

// ObserveDocument records one pipeline run.
func ObserveDocument(outcome string, d time.Duration) {
	m := Get()
	m.DocumentsProcessed.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(d.Seconds())
}

// ObserveModelCall records one model request outcome.
func ObserveModelCall(outcome string) {
	Get().ModelCalls.WithLabelValues(outcome).Inc()
}

// ObserveReviewStatus records a review status assignment.
func ObserveReviewStatus(status string) {
	Get().ReviewDecisions.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the review queue gauge.
func SetQueueDepth(n int) {
	Get().ReviewQueueDepth.Set(float64(n))
}
