package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liverelay"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsStopped prometheus.Counter
	StreamDuration prometheus.Histogram

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FrameSize      *prometheus.HistogramVec
	KeyFrames      prometheus.Counter

	// Viewer metrics
	ActiveViewers      *prometheus.GaugeVec
	ViewerSessions     *prometheus.CounterVec
	SubscribersDropped *prometheus.CounterVec

	// Recording metrics
	RecordingBytes  prometheus.Counter
	RecordingErrors prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP metrics
	RTMPConnections   prometheus.Counter
	RTMPDisconnects   prometheus.Counter
	RTMPErrors        *prometheus.CounterVec
	RTMPBytesReceived prometheus.Counter
}

// New creates all metrics on a dedicated registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently published streams",
		}),
		StreamsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Total number of streams started",
		}),
		StreamsStopped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_stopped_total",
			Help:      "Total number of streams stopped",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of streams in seconds",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Total number of media messages received from publishers",
			},
			[]string{"stream", "type"}, // type: video or audio
		),
		FrameSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Size of media messages in bytes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
			},
			[]string{"type"},
		),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyframes_total",
			Help:      "Total number of keyframes received",
		}),

		ActiveViewers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_viewers",
				Help:      "Number of currently attached subscribers",
			},
			[]string{"protocol"}, // rtmp or flv
		),
		ViewerSessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "viewer_sessions_total",
				Help:      "Total number of subscriber sessions",
			},
			[]string{"protocol"},
		),
		SubscribersDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscribers_dropped_total",
				Help:      "Subscribers removed from fan-out after a failed or inactive write",
			},
			[]string{"protocol"},
		),

		RecordingBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_bytes_total",
			Help:      "Bytes written to recordings",
		}),
		RecordingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_errors_total",
			Help:      "Failed recording writes",
		}),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RTMPConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtmp_connections_total",
			Help:      "Total number of RTMP connections",
		}),
		RTMPDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtmp_disconnects_total",
			Help:      "Total number of RTMP disconnections",
		}),
		RTMPErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtmp_errors_total",
				Help:      "Total number of RTMP connections closed on error",
			},
			[]string{"reason"},
		),
		RTMPBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtmp_bytes_received_total",
			Help:      "Total bytes received via RTMP",
		}),
	}
}


// Handler returns an http.Handler that serves the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStreamStart records a stream starting
func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
	m.StreamsStarted.Inc()
}

// RecordStreamStop records a stream stopping
func (m *Metrics) RecordStreamStop(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsStopped.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordFrame records a media message received
func (m *Metrics) RecordFrame(stream string, isVideo bool, size int) {
	if m == nil {
		return
	}
	frameType := "audio"
	if isVideo {
		frameType = "video"
	}
	m.FramesReceived.WithLabelValues(stream, frameType).Inc()
	m.FrameSize.WithLabelValues(frameType).Observe(float64(size))
}

// RecordKeyFrame records a keyframe
func (m *Metrics) RecordKeyFrame() {
	if m == nil {
		return
	}
	m.KeyFrames.Inc()
}

// RecordViewerStart records a subscriber joining
func (m *Metrics) RecordViewerStart(protocol string) {
	if m == nil {
		return
	}
	m.ActiveViewers.WithLabelValues(protocol).Inc()
	m.ViewerSessions.WithLabelValues(protocol).Inc()
}

// RecordViewerStop records a subscriber leaving
func (m *Metrics) RecordViewerStop(protocol string) {
	if m == nil {
		return
	}
	m.ActiveViewers.WithLabelValues(protocol).Dec()
}

// RecordSubscriberDropped records a subscriber removed during fan-out
func (m *Metrics) RecordSubscriberDropped(protocol string) {
	if m == nil {
		return
	}
	m.SubscribersDropped.WithLabelValues(protocol).Inc()
	m.ActiveViewers.WithLabelValues(protocol).Dec()
}

// RecordRecordingWrite records a recording write
func (m *Metrics) RecordRecordingWrite(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RecordingErrors.Inc()
		return
	}
	m.RecordingBytes.Add(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	if m == nil {
		return
	}
	m.RTMPConnections.Inc()
}

// RecordRTMPDisconnect records an RTMP disconnection
func (m *Metrics) RecordRTMPDisconnect() {
	if m == nil {
		return
	}
	m.RTMPDisconnects.Inc()
}

// RecordRTMPError records an RTMP connection closed on error
func (m *Metrics) RecordRTMPError(reason string) {
	if m == nil {
		return
	}
	m.RTMPErrors.WithLabelValues(reason).Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(n int) {
	if m == nil {
		return
	}
	m.RTMPBytesReceived.Add(float64(n))
}

// statusClass converts an HTTP status code to its class label
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
