package web

import (
	"time"
)

// AppRow is a monitored process for the web API
type AppRow struct {
	PID        int       `json:"pid"`
	Comm       string    `json:"comm,omitempty"`
	Symbol     string    `json:"symbol"`
	AttachedAt time.Time `json:"attachedAt"`
	Anomalies  uint64    `json:"anomalies"`
}

// SessionRow is a recorded session with its frame statistics
type SessionRow struct {
	ID             int64      `json:"id"`
	PID            int        `json:"pid"`
	Comm           string     `json:"comm"`
	ExePath        string     `json:"exePath"`
	Symbol         string     `json:"symbol"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Frames         int64      `json:"frames"`
	AverageFPS     float64    `json:"averageFps"`
	MaxFrametimeMs float64    `json:"maxFrametimeMs"`
	JankFrames     int64      `json:"jankFrames"`
	BigJankFrames  int64      `json:"bigJankFrames"`
}

// FrameRow is one recorded frametime
type FrameRow struct {
	PID         int     `json:"pid"`
	TimestampNs uint64  `json:"timestampNs"`
	FrametimeMs float64 `json:"frametimeMs"`
	JankClass   string  `json:"jankClass"`
}

// JankRow is a stored rule match
type JankRow struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"sessionId"`
	PID         int       `json:"pid"`
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName"`
	Severity    string    `json:"severity"`
	JankClass   string    `json:"jankClass"`
	FrametimeMs float64   `json:"frametimeMs"`
	Timestamp   time.Time `json:"timestamp"`
}
