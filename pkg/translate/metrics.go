package translate

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Translation request metrics
	translationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textbundle_translation_requests_total",
			Help: "Total number of provider HTTP calls",
		},
		[]string{"engine", "status"},
	)

	translationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textbundle_translation_request_duration_seconds",
			Help:    "Duration of provider HTTP calls in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"engine", "status"},
	)

	translationRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textbundle_translation_request_size_bytes",
			Help:    "Size of the source text sent per call in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"engine"},
	)

	translationResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textbundle_translation_response_size_bytes",
			Help:    "Size of the provider response body in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"engine"},
	)

	translationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textbundle_translation_retries_total",
			Help: "Total number of provider calls retried, by the status that triggered the retry",
		},
		[]string{"engine", "http_code"},
	)
)

// recordRequest records metrics for one provider call.
func recordRequest(engine string, success bool, duration time.Duration, requestSize, responseSize int) {
	status := "success"
	if !success {
		status = "error"
	}

	translationRequestsTotal.WithLabelValues(engine, status).Inc()
	translationRequestDuration.WithLabelValues(engine, status).Observe(duration.Seconds())
	translationRequestSize.WithLabelValues(engine).Observe(float64(requestSize))
	translationResponseSize.WithLabelValues(engine).Observe(float64(responseSize))
}

// recordRetry counts a retried call.
func recordRetry(engine string, httpCode int) {
	translationRetriesTotal.WithLabelValues(engine, strconv.Itoa(httpCode)).Inc()
}
