package process

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ExitMonitor periodically checks tracked processes and reports the ones
// that are gone. Uprobes on a dead process never fire again, so callers use
// this to release their resources.
type ExitMonitor struct {
	tracker  Tracker
	interval time.Duration
	alive    func(pid int) error
	onExit   func(info *Info)
	logger   *zap.Logger
}

// NewExitMonitor creates a monitor calling onExit once per vanished process.
func NewExitMonitor(tracker Tracker, interval time.Duration, onExit func(info *Info), logger *zap.Logger) *ExitMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExitMonitor{
		tracker:  tracker,
		interval: interval,
		alive:    CheckAlive,
		onExit:   onExit,
		logger:   logger,
	}
}

// Start runs until ctx is done.
func (m *ExitMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("Starting process exit monitor", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *ExitMonitor) check() {
	for _, proc := range m.tracker.List() {
		err := m.alive(proc.PID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("Liveness check failed", zap.Int("pid", proc.PID), zap.Error(err))
			continue
		}

		proc.ExitTime = time.Now()
		m.tracker.Remove(proc.PID)
		m.onExit(proc)
	}
}
