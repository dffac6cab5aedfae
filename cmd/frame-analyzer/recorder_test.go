package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/metrics"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
)

func newTestRecorder(t *testing.T, window int) (*recorder, *database.DB, *metrics.Metrics, *[]string) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rulesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rulesDir, "enabled_rules"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "enabled_rules", "big.yml"), []byte(`title: Big jank
id: big-jank
level: high
logsource:
  category: frame
detection:
  selection:
    JankClass: big_jank
  condition: selection
`), 0644))
	detector, err := sigma.NewDetector(rulesDir, db, logger)
	require.NoError(t, err)
	t.Cleanup(func() { detector.Close() })

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	tracker := process.NewProcessMap()
	tracker.Add(10, &process.Info{PID: 10, Comm: "game"})

	rec := newRecorder(db, detector, m, tracker, 60, window, time.Hour, logger)
	var lines []string
	rec.print = func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	return rec, db, m, &lines
}

func TestRecorderStoresFramesAndMatches(t *testing.T) {
	rec, db, m, lines := newTestRecorder(t, 2)

	require.NoError(t, rec.startSession(&process.Info{PID: 10, Comm: "game", AttachTime: time.Now()}, "sym"))

	ctx := context.Background()
	rec.handle(ctx, analyzer.Frame{Pid: 10, Frametime: 16 * time.Millisecond, TimestampNs: 1})
	rec.handle(ctx, analyzer.Frame{Pid: 10, Frametime: 80 * time.Millisecond, TimestampNs: 2})

	assert.Len(t, *lines, 3, "two frames plus one window summary")
	assert.Contains(t, (*lines)[2], "fps avg")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JankFrames.WithLabelValues("10", "big_jank")))

	rec.close()

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].EndTime.Valid)

	summary, err := db.SessionSummary(sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Frames)
	assert.Equal(t, int64(1), summary.BigJankFrames)

	matches, err := db.JankMatches(10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "big-jank", matches[0].RuleID)
	assert.Equal(t, sessions[0].ID, matches[0].SessionID)
}

func TestRecorderIgnoresUnknownPid(t *testing.T) {
	rec, db, _, lines := newTestRecorder(t, 120)

	rec.handle(context.Background(), analyzer.Frame{Pid: 99, Frametime: 10 * time.Millisecond})
	rec.close()

	assert.Len(t, *lines, 1)
	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
