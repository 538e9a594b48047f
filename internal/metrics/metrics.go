package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Service call metrics
	serviceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookweaver_service_call_duration_seconds",
			Help:    "Generative service call duration in seconds by role",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"role", "status"},
	)

	serviceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookweaver_service_retries_total",
			Help: "Total service call retries by error class",
		},
		[]string{"class"},
	)

	// Pipeline metrics
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookweaver_phase_duration_seconds",
			Help:    "Generation phase duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"phase"},
	)

	refinementIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookweaver_refinement_iterations",
			Help:    "Refinement iterations spent per unit",
			Buckets: []float64{0, 1, 2, 3},
		},
		[]string{"strategy"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookweaver_request_queue_depth",
			Help: "Current depth of the request queue",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordServiceCall records one service call outcome
func (c *Collector) RecordServiceCall(role string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	serviceCallDuration.WithLabelValues(role, status).Observe(duration.Seconds())
}

// RecordRetry counts a retry by error class
func (c *Collector) RecordRetry(class string) {
	serviceRetries.WithLabelValues(class).Inc()
}

// RecordPhase records how long a pipeline phase took
func (c *Collector) RecordPhase(phase string, duration time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRefinement records the iterations spent on one unit and the final strategy
func (c *Collector) RecordRefinement(strategy string, iterations int) {
	refinementIterations.WithLabelValues(strategy).Observe(float64(iterations))
}

// SetQueueDepth sets the current request queue depth
func (c *Collector) SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}
