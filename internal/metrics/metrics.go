package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all overlay pipeline metrics
type Metrics struct {
	// Inference polling counters
	PollCycles        atomic.Uint64
	PollTicksSkipped  atomic.Uint64
	InferenceFailures atomic.Uint64
	StaleResults      atomic.Uint64

	// Detection counters
	DetectionsReceived atomic.Uint64
	DetectionsDropped  atomic.Uint64 // malformed or degenerate geometry

	// Rendering counters
	FramesRendered atomic.Uint64
	RenderErrors   atomic.Uint64
	FramesDropped  atomic.Uint64 // viewer too slow

	// Stream lifecycle counters
	ConversionAttempts atomic.Uint64
	ConversionFailures atomic.Uint64
	StreamErrors       atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last reported inference time in ms
	RenderLatencyMs    atomic.Uint64 // Last render pass latency in ms

	// Viewer tracking
	ActiveViewers atomic.Uint64
	TotalViewers  atomic.Uint64

	// Stream state (types.StreamState value)
	StreamState atomic.Uint64

	// Degraded processing location (0 = edge, 1 = server fallback)
	DegradedLocation atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"overlay_poll_cycles_total", "Total inference poll cycles issued", m.PollCycles.Load},
		{"overlay_poll_ticks_skipped_total", "Ticks skipped because a request was still in flight", m.PollTicksSkipped.Load},
		{"overlay_inference_failures_total", "Total inference transport failures", m.InferenceFailures.Load},
		{"overlay_stale_results_total", "Superseded inference results discarded", m.StaleResults.Load},
		{"overlay_detections_received_total", "Total detections received from inference", m.DetectionsReceived.Load},
		{"overlay_detections_dropped_total", "Detections dropped for malformed or degenerate geometry", m.DetectionsDropped.Load},
		{"overlay_frames_rendered_total", "Total overlay frames composited", m.FramesRendered.Load},
		{"overlay_render_errors_total", "Total render pass errors", m.RenderErrors.Load},
		{"overlay_frames_dropped_total", "Frames dropped for slow viewers", m.FramesDropped.Load},
		{"overlay_conversion_attempts_total", "Total format conversion attempts", m.ConversionAttempts.Load},
		{"overlay_conversion_failures_total", "Total format conversion failures", m.ConversionFailures.Load},
		{"overlay_stream_errors_total", "Total stream error transitions", m.StreamErrors.Load},
		{"overlay_inference_latency_ms", "Last reported inference time in milliseconds", m.InferenceLatencyMs.Load},
		{"overlay_render_latency_ms", "Last render pass latency in milliseconds", m.RenderLatencyMs.Load},
		{"overlay_active_viewers", "Number of connected stream viewers", m.ActiveViewers.Load},
		{"overlay_total_viewers", "Total stream viewers connected", m.TotalViewers.Load},
		{"overlay_stream_state", "Current stream state (0=idle 1=resolving 2=processing 3=playing 4=paused 5=error)", m.StreamState.Load},
		{"overlay_processing_degraded", "Processing location degraded to server fallback (0=edge, 1=server)", m.DegradedLocation.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateInferenceLatency records the service-reported inference time
func (m *Metrics) UpdateInferenceLatency(ms float64) {
	if ms < 0 {
		ms = 0
	}
	m.InferenceLatencyMs.Store(uint64(ms))
}

// UpdateRenderLatency records the duration of the last render pass
func (m *Metrics) UpdateRenderLatency(duration time.Duration) {
	m.RenderLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	http.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, nil)
}
