package ride

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes scheduler counters on a prometheus registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	segments *prometheus.CounterVec
	retries  prometheus.Counter
	running  prometheus.Gauge
}

// NewMetrics registers the scheduler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kite_segments_total",
			Help: "Segments that reached a terminal state, by status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kite_segment_retries_total",
			Help: "Segment attempts that were retried after a failure.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kite_segments_running",
			Help: "Segments currently executing an attempt.",
		}),
	}
	reg.MustRegister(m.segments, m.retries, m.running)
	return m
}

func (m *Metrics) segmentStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) segmentDone(status Status) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.segments.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) segmentSkipped() {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(string(StatusSkipped)).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
