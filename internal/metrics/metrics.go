package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: camera_id is the only per-entity label
// and the fleet is bounded by the deployment, not by traffic.

var (
	FramesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_frames_processed_total",
			Help: "Frames emitted by stream workers",
		},
		[]string{"camera_id"},
	)

	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_frames_dropped_total",
			Help: "Frames evicted from worker buffers on overflow",
		},
		[]string{"camera_id"},
	)

	WorkerFPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apex_worker_fps_actual",
			Help: "Measured frames per second per worker",
		},
		[]string{"camera_id"},
	)

	WorkerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_worker_reconnects_total",
			Help: "Stream worker reconnect attempts",
		},
		[]string{"camera_id"},
	)

	InferenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_inference_total",
			Help: "Total detector invocations",
		},
	)

	InferenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_inference_errors_total",
			Help: "Frame-level inference failures (treated as empty results)",
		},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apex_inference_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 500, 1000},
		},
	)

	AnalyzeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apex_correlation_analyze_seconds",
			Help:    "Correlation engine Analyze latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	AnalyzeEMA = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_correlation_analyze_ema_seconds",
			Help: "Exponential moving average of Analyze latency",
		},
	)

	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlations_total",
			Help: "Correlation lifecycle transitions by kind",
		},
		[]string{"kind"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_events_published_total",
			Help: "Events fanned out to subscribers by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_events_dropped_total",
			Help: "Events dropped on subscriber queue overflow",
		},
	)

	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_subscribers_active",
			Help: "Currently registered event subscribers",
		},
	)
)

func RecordFrame(cameraID string) {
	FramesProcessedTotal.WithLabelValues(cameraID).Inc()
}

func RecordFrameDrop(cameraID string) {
	FramesDroppedTotal.WithLabelValues(cameraID).Inc()
}

func RecordReconnect(cameraID string) {
	WorkerReconnectsTotal.WithLabelValues(cameraID).Inc()
}

func RecordInference(latencyMs float64) {
	InferenceTotal.Inc()
	InferenceLatency.Observe(latencyMs)
}

func RecordInferenceError() {
	InferenceErrorsTotal.Inc()
}

func ObserveAnalyzeLatency(seconds float64) {
	AnalyzeLatency.Observe(seconds)
}

func SetAnalyzeEMA(seconds float64) {
	AnalyzeEMA.Set(seconds)
}

func RecordCorrelation(kind string) {
	CorrelationsTotal.WithLabelValues(kind).Inc()
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func RecordEventDropped() {
	EventsDroppedTotal.Inc()
}
