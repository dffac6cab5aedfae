package analyzer

import "github.com/jnesss/frame-analyzer/metrics"

// DefaultEventBuffer is the capacity of the channel shared by all probe readers.
const DefaultEventBuffer = 4096

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLivenessCheck replaces the signal-0 check run before every attach.
// The check must return an error wrapping process.ErrNotFound for a missing pid.
func WithLivenessCheck(check func(pid int) error) Option {
	return func(a *Analyzer) {
		a.alive = check
	}
}

// WithEventBuffer sets how many decoded records may wait between the probe
// readers and the receiver. Readers block once it is full.
func WithEventBuffer(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// WithMetrics records collector activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}
