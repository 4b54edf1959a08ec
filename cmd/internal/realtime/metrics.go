package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway counters. A nil *Metrics is safe to use and
// records nothing, which keeps tests and dev wiring terse.
type Metrics struct {
	activeSessions  prometheus.Gauge
	framesFanned    prometheus.Counter
	framesDropped   prometheus.Counter
	framesDeduped   prometheus.Counter
	batchFlushed    prometheus.Counter
	batchFailed     prometheus.Counter
	batchDropped    prometheus.Counter
	groupPublished  prometheus.Counter
	groupWriteFails prometheus.Counter
}

// NewMetrics registers gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "studverse_ws_active_sessions",
			Help: "Currently connected websocket sessions.",
		}),
		framesFanned: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_ws_frames_fanned_total",
			Help: "Chat events published to rooms.",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_ws_frames_dropped_total",
			Help: "Inbound frames rejected as malformed or over limits.",
		}),
		framesDeduped: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_ws_frames_deduped_total",
			Help: "Inbound chat events suppressed by the dedup window.",
		}),
		batchFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_batch_messages_flushed_total",
			Help: "Direct messages durably written by the batcher.",
		}),
		batchFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_batch_flushes_failed_total",
			Help: "Batch flushes that failed and were dropped by policy.",
		}),
		batchDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_batch_writes_dropped_total",
			Help: "Pending writes dropped because the queue was full.",
		}),
		groupPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_group_messages_published_total",
			Help: "Group messages persisted and fanned out.",
		}),
		groupWriteFails: f.NewCounter(prometheus.CounterOpts{
			Name: "studverse_group_writes_failed_total",
			Help: "Group message writes that failed before fanout.",
		}),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) incFanned() {
	if m != nil {
		m.framesFanned.Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) incDeduped() {
	if m != nil {
		m.framesDeduped.Inc()
	}
}

func (m *Metrics) incBatchFlushed(n int) {
	if m != nil {
		m.batchFlushed.Add(float64(n))
	}
}

func (m *Metrics) incBatchFailed() {
	if m != nil {
		m.batchFailed.Inc()
	}
}

func (m *Metrics) incBatchDropped() {
	if m != nil {
		m.batchDropped.Inc()
	}
}

func (m *Metrics) incGroupPublished() {
	if m != nil {
		m.groupPublished.Inc()
	}
}

func (m *Metrics) incGroupWriteFailed() {
	if m != nil {
		m.groupWriteFails.Inc()
	}
}
