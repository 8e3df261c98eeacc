package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/framestore"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
)

// Metrics holds all application metrics
type Metrics struct {
	// Propagation counters
	Propagations        atomic.Uint64
	PropagationsSkipped atomic.Uint64
	PointsTracked       atomic.Uint64
	PointsLost          atomic.Uint64

	// Error counters
	InvalidInputErrors atomic.Uint64
	NoAnnotationErrors atomic.Uint64
	OtherErrors        atomic.Uint64

	// Latency tracking
	PropagateLatencyMs atomic.Uint64 // Last propagation latency in ms

	// Session activity
	ManualEdits     atomic.Uint64
	SessionSaves    atomic.Uint64
	SessionLoads    atomic.Uint64
	JournalWrites   atomic.Uint64
	AnnotatedFrames atomic.Uint64

	// Event stream
	ActiveStreams atomic.Uint64
	EventsSent    atomic.Uint64
	EventsDropped atomic.Uint64

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

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Propagation metrics
	m.gauge("annotator_propagations_total", "Propagations that wrote a target frame", &m.Propagations)
	m.gauge("annotator_propagations_skipped_total", "Navigation propagations skipped over hand-edited frames", &m.PropagationsSkipped)
	m.gauge("annotator_points_tracked_total", "Keypoints tracked successfully", &m.PointsTracked)
	m.gauge("annotator_points_lost_total", "Keypoints lost by the tracker", &m.PointsLost)

	// Error metrics
	m.gauge("annotator_invalid_input_errors_total", "Propagations rejected for unusable frames or points", &m.InvalidInputErrors)
	m.gauge("annotator_no_annotation_errors_total", "Propagations without a seed frame", &m.NoAnnotationErrors)
	m.gauge("annotator_other_errors_total", "Other propagation failures", &m.OtherErrors)

	// Latency metrics
	m.gauge("annotator_propagate_latency_ms", "Latency of the last propagation in milliseconds", &m.PropagateLatencyMs)

	// Session metrics
	m.gauge("annotator_manual_edits_total", "Keypoints placed or cleared by hand", &m.ManualEdits)
	m.gauge("annotator_session_saves_total", "Session files written", &m.SessionSaves)
	m.gauge("annotator_session_loads_total", "Session files loaded", &m.SessionLoads)
	m.gauge("annotator_journal_writes_total", "Frames written to the autosave journal", &m.JournalWrites)
	m.gauge("annotator_annotated_frames", "Frames with stored annotations", &m.AnnotatedFrames)

	// Event stream metrics
	m.gauge("annotator_active_streams", "Connected event stream clients", &m.ActiveStreams)
	m.gauge("annotator_events_sent_total", "Events delivered to stream clients", &m.EventsSent)
	m.gauge("annotator_events_dropped_total", "Events dropped for slow stream clients", &m.EventsDropped)
}

// Observe records one propagation outcome. It satisfies propagate.Observer.
func (m *Metrics) Observe(res propagate.Result, err error) {
	m.PropagateLatencyMs.Store(uint64(res.Duration.Milliseconds()))

	switch {
	case err == nil && res.Skipped:
		m.PropagationsSkipped.Add(1)
	case err == nil:
		m.Propagations.Add(1)
		m.PointsTracked.Add(uint64(res.Tracked))
		m.PointsLost.Add(uint64(res.Lost))
	case errors.Is(err, flow.ErrInvalidInput):
		m.InvalidInputErrors.Add(1)
	case errors.Is(err, propagate.ErrNoAnnotations):
		m.NoAnnotationErrors.Add(1)
	default:
		m.OtherErrors.Add(1)
	}
}

// TrackFrameStore exports the frame cache counters of store.
func (m *Metrics) TrackFrameStore(stats func() framestore.Stats) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "annotator_frame_decodes_total",
			Help: "Frame images decoded from disk",
		},
		func() float64 { return float64(stats().Decodes) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "annotator_frame_cache_hits_total",
			Help: "Frame reads served from the decode cache",
		},
		func() float64 { return float64(stats().Hits) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "annotator_frame_errors_total",
			Help: "Frame reads that failed to decode",
		},
		func() float64 { return float64(stats().Errors) },
	))
}

// UpdatePropagateLatency stores the latency of a batch step.
func (m *Metrics) UpdatePropagateLatency(duration time.Duration) {
	m.PropagateLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns the metrics HTTP server for addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
