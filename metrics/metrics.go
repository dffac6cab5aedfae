// Package metrics exposes collector activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "frame_analyzer"

// Metrics groups the collector's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Frametime      *prometheus.HistogramVec
	AttachedApps   prometheus.Gauge
	Attaches       *prometheus.CounterVec
	Detaches       prometheus.Counter
	ClockAnomalies *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	StaleRecords   prometheus.Counter
	JankFrames     *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Frametime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frametime_seconds",
			Help:      "Interval between consecutive frames of a monitored process.",
			// 1ms .. ~1s, dense around common refresh intervals.
			Buckets: []float64{.001, .004, .00833, .0111, .0167, .0222, .0333, .05, .1, .25, .5, 1},
		}, []string{"pid"}),
		AttachedApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_apps",
			Help:      "Processes currently monitored.",
		}),
		Attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attaches_total",
			Help:      "Attach attempts by result.",
		}, []string{"result"}),
		Detaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detaches_total",
			Help:      "Probes released.",
		}),
		ClockAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_anomalies_total",
			Help:      "Records whose timestamp went backwards.",
		}, []string{"pid"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Ring buffer records that could not be decoded.",
		}),
		StaleRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_records_total",
			Help:      "Records discarded because their probe was detached.",
		}),
		JankFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jank_frames_total",
			Help:      "Frames over budget by class.",
		}, []string{"pid", "class"}),
	}

	collectors := []prometheus.Collector{
		m.Frametime, m.AttachedApps, m.Attaches, m.Detaches,
		m.ClockAnomalies, m.DecodeErrors, m.StaleRecords, m.JankFrames,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func pidLabel(pid int) string {
	return strconv.Itoa(pid)
}

// ObserveFrame records one frametime.
func (m *Metrics) ObserveFrame(pid int, ft time.Duration) {
	if m == nil {
		return
	}
	m.Frametime.WithLabelValues(pidLabel(pid)).Observe(ft.Seconds())
}

// AttachResult counts an attach attempt.
func (m *Metrics) AttachResult(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Attaches.WithLabelValues(result).Inc()
}

// SetAttached sets the number of monitored processes.
func (m *Metrics) SetAttached(n int) {
	if m == nil {
		return
	}
	m.AttachedApps.Set(float64(n))
}

// Detached counts a released probe and drops its per-pid series.
func (m *Metrics) Detached(pid int) {
	if m == nil {
		return
	}
	m.Detaches.Inc()
	label := pidLabel(pid)
	m.Frametime.DeleteLabelValues(label)
	m.ClockAnomalies.DeleteLabelValues(label)
	m.JankFrames.DeletePartialMatch(prometheus.Labels{"pid": label})
}

// ClockAnomaly counts an out-of-order timestamp.
func (m *Metrics) ClockAnomaly(pid int) {
	if m == nil {
		return
	}
	m.ClockAnomalies.WithLabelValues(pidLabel(pid)).Inc()
}

// DecodeError counts an undecodable record.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// StaleRecord counts a record dropped after detach.
func (m *Metrics) StaleRecord() {
	if m == nil {
		return
	}
	m.StaleRecords.Inc()
}

// Jank counts a frame over budget.
func (m *Metrics) Jank(pid int, class string) {
	if m == nil {
		return
	}
	m.JankFrames.WithLabelValues(pidLabel(pid), class).Inc()
}
