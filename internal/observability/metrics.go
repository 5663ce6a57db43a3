package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	UplinkFrames     *prometheus.CounterVec
	PlaybackChunks   *prometheus.CounterVec
	Interruptions    prometheus.Counter
	Greetings        *prometheus.CounterVec
	TranscriptTurns  *prometheus.CounterVec
	ConnectLatency   prometheus.Histogram
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Orchestrator connection state transitions by target state.",
		}, []string{"state"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound websocket queue results by message type.",
		}, []string{"type", "result"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Live transport failures by code.",
		}, []string{"code"}),
		UplinkFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_frames_total",
			Help:      "Microphone frames by outcome.",
		}, []string{"result"}),
		PlaybackChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Model audio chunks by outcome.",
		}, []string{"result"}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in interruptions signalled by the transport.",
		}),
		Greetings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "greetings_total",
			Help:      "Canned greeting outcomes.",
		}, []string{"outcome"}),
		TranscriptTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Finalized transcript entries by speaker.",
		}, []string{"speaker"}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from session start to connected in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500, 5000},
		}),
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
