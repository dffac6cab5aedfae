package process

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a pid does not name a live process.
var ErrNotFound = errors.New("process not found")

// Info holds what we know about a monitored process
type Info struct {
	PID     int
	Comm    string
	ExePath string
	CmdLine string

	// Timing Information
	AttachTime time.Time
	ExitTime   time.Time
}

// Tracker defines the interface for pid-keyed process tracking
type Tracker interface {
	Add(pid int, info *Info)
	Get(pid int) (*Info, bool)
	Remove(pid int)
	List() []*Info
}
