// Package frame reduces per-process probe timestamps into frametimes.
package frame

import "time"

// State is the frametime reduction for one monitored process.
// It is not safe for concurrent use.
type State struct {
	last      uint64
	hasLast   bool
	anomalies uint64
}

// NewState returns a State with no baseline.
func NewState() *State {
	return &State{}
}

// Update feeds the timestamp of a new instrumented call. The first call after
// creation or Reset only sets the baseline. A timestamp older than the
// baseline is counted as an anomaly and emits nothing.
func (s *State) Update(timestampNs uint64) (time.Duration, bool) {
	prev, had := s.last, s.hasLast
	s.last = timestampNs
	s.hasLast = true

	if !had {
		return 0, false
	}
	if timestampNs < prev {
		s.anomalies++
		return 0, false
	}
	return time.Duration(timestampNs - prev), true
}

// Reset drops the baseline.
func (s *State) Reset() {
	s.last = 0
	s.hasLast = false
}

// Anomalies returns how many out-of-order timestamps were seen.
func (s *State) Anomalies() uint64 {
	return s.anomalies
}
