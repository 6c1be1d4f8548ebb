package services

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics keeps process-wide counters for the status API and mirrors them
// to Prometheus collectors.
type Metrics struct {
	totalFrames    atomic.Int64
	totalErrors    atomic.Int64
	totalLatency   atomic.Int64 // microseconds
	totalSessions  atomic.Int64
	activeSessions atomic.Int32
	lastFrameTime  atomic.Int64

	viewers        atomic.Int64
	viewerMessages atomic.Int64
	viewerErrors   atomic.Int64

	frames         prometheus.Counter
	errors         *prometheus.CounterVec
	latency        prometheus.Histogram
	sessions       prometheus.Counter
	active         prometheus.Gauge
	viewerGauge    prometheus.Gauge
	viewerMsgCount prometheus.Counter
}

// NewMetrics registers its collectors on reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posestream",
			Name:      "frames_total",
			Help:      "Frames answered with keypoints",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posestream",
			Name:      "errors_total",
			Help:      "Session errors by kind",
		}, []string{"kind"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "posestream",
			Name:      "frame_duration_seconds",
			Help:      "Time from request received to response sent",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posestream",
			Name:      "sessions_total",
			Help:      "Accepted sessions",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "posestream",
			Name:      "active_sessions",
			Help:      "Sessions currently being served",
		}),
		viewerGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "posestream",
			Name:      "viewers",
			Help:      "Connected websocket viewers",
		}),
		viewerMsgCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posestream",
			Name:      "viewer_messages_total",
			Help:      "Keypoint messages pushed to viewers",
		}),
	}
}

func (m *Metrics) IncrementFrames() {
	m.totalFrames.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
	m.frames.Inc()
}

// IncrementErrors counts one failure of the given kind, e.g. "protocol".
func (m *Metrics) IncrementErrors(kind string) {
	m.totalErrors.Add(1)
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLatency(duration time.Duration) {
	m.totalLatency.Add(duration.Microseconds())
	m.latency.Observe(duration.Seconds())
}

func (m *Metrics) SessionStarted() {
	m.totalSessions.Add(1)
	m.activeSessions.Add(1)
	m.sessions.Inc()
	m.active.Inc()
}

func (m *Metrics) SessionEnded() {
	m.activeSessions.Add(-1)
	m.active.Dec()
}

func (m *Metrics) GetTotalFrames() int64 {
	return m.totalFrames.Load()
}

func (m *Metrics) GetTotalErrors() int64 {
	return m.totalErrors.Load()
}

func (m *Metrics) GetTotalSessions() int64 {
	return m.totalSessions.Load()
}

// GetAvgLatency is the mean per-frame latency in milliseconds.
func (m *Metrics) GetAvgLatency() float64 {
	frames := m.totalFrames.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(frames) / 1000
}

func (m *Metrics) GetActiveSessions() int {
	return int(m.activeSessions.Load())
}

func (m *Metrics) GetLastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) ViewerConnected() {
	m.viewers.Add(1)
	m.viewerGauge.Inc()
}

func (m *Metrics) ViewerDisconnected() {
	m.viewers.Add(-1)
	m.viewerGauge.Dec()
}

func (m *Metrics) IncrementViewerMessages() {
	m.viewerMessages.Add(1)
	m.viewerMsgCount.Inc()
}

func (m *Metrics) IncrementViewerErrors() {
	m.viewerErrors.Add(1)
}

func (m *Metrics) GetViewers() int64 {
	return m.viewers.Load()
}

// Snapshot is the JSON body of the status metrics endpoint.
type Snapshot struct {
	TotalFrames    int64   `json:"total_frames"`
	TotalErrors    int64   `json:"total_errors"`
	TotalSessions  int64   `json:"total_sessions"`
	ActiveSessions int     `json:"active_sessions"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LastFrameTime  int64   `json:"last_frame_time"`
	Viewers        struct {
		Connections int64 `json:"connections"`
		Messages    int64 `json:"messages"`
		Errors      int64 `json:"errors"`
	} `json:"viewers"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		TotalFrames:    m.totalFrames.Load(),
		TotalErrors:    m.totalErrors.Load(),
		TotalSessions:  m.totalSessions.Load(),
		ActiveSessions: m.GetActiveSessions(),
		AvgLatencyMs:   m.GetAvgLatency(),
		LastFrameTime:  m.lastFrameTime.Load(),
	}
	s.Viewers.Connections = m.viewers.Load()
	s.Viewers.Messages = m.viewerMessages.Load()
	s.Viewers.Errors = m.viewerErrors.Load()
	return s
}
