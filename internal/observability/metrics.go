// Package observability holds the logging, metrics and tracing plumbing for
// the relay and the stream observers that feed it.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StageFirstRender = "first_render"
	StageStreamTotal = "stream_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	ActiveStreams      prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	OutboundMessages   *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	Frames             *prometheus.CounterVec
	FramesDropped      prometheus.Counter
	Renders            prometheus.Counter
	StreamOutcomes     *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	FirstRenderLatency prometheus.Histogram
	StreamDuration     prometheus.Histogram

	window *streamWindow
}

// NewMetrics registers the instruments with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of assistant responses currently streaming.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound websocket messages by type and delivery result.",
		}, []string{"type", "result"}),
		WSWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Parsed stream frames by parse stage.",
		}, []string{"stage"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_dropped_total",
			Help:      "Stream frames that could not be parsed and were skipped.",
		}),
		Renders: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_renders_total",
			Help:      "Throttled text snapshots delivered to clients.",
		}),
		StreamOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Finished streams by terminal status and error kind.",
		}, []string{"status", "kind"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by kind and code.",
		}, []string{"kind", "code"}),
		FirstRenderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_render_latency_ms",
			Help:      "Latency from stream start to the first rendered text in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120, 300},
		}),
		window: newStreamWindow(256),
	}
}

func (m *Metrics) ObserveFirstRenderLatency(d time.Duration) {
	m.FirstRenderLatency.Observe(float64(d.Milliseconds()))
	m.window.observeLatency(StageFirstRender, d)
}

func (m *Metrics) ObserveStreamDuration(d time.Duration) {
	m.StreamDuration.Observe(d.Seconds())
	m.window.observeLatency(StageStreamTotal, d)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

// SnapshotStreamStages returns recent stage latencies with frame and
// outcome counts.
func (m *Metrics) SnapshotStreamStages() StreamWindowSnapshot {
	return m.window.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
