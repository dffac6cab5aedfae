package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
)

type staticApps map[int]analyzer.AppInfo

func (a staticApps) Pids() []int {
	var pids []int
	for pid := range a {
		pids = append(pids, pid)
	}
	return pids
}

func (a staticApps) Info(pid int) (analyzer.AppInfo, bool) {
	info, ok := a[pid]
	return info, ok
}

type fixture struct {
	db      *database.DB
	server  *httptest.Server
	session int64
}

func newFixture(t *testing.T) *fixture {
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

	session, err := db.StartSession(&database.SessionRecord{PID: 1234, Comm: "game", StartTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, db.InsertFrames([]database.FrameRecord{
		{SessionID: session, PID: 1234, TimestampNs: 1, FrametimeNs: 16_000_000, JankClass: "smooth"},
		{SessionID: session, PID: 1234, TimestampNs: 2, FrametimeNs: 80_000_000, JankClass: "big_jank"},
	}))
	_, err = db.InsertJankMatch(&database.JankMatch{
		SessionID: session, PID: 1234, RuleID: "big-jank", RuleName: "Big jank",
		Severity: "high", JankClass: "big_jank", FrametimeNs: 80_000_000, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	tracker := process.NewProcessMap()
	tracker.Add(1234, &process.Info{PID: 1234, Comm: "game"})

	apps := staticApps{1234: {Pid: 1234, Symbol: "queueBuffer", AttachedAt: time.Now()}}

	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "frame_analyzer_test_gauge", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(3)

	srv := NewServer(db, detector, apps, tracker, reg, "127.0.0.1:0", logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{db: db, server: ts, session: session}
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestApps(t *testing.T) {
	f := newFixture(t)

	var apps []AppRow
	getJSON(t, f.server.URL+"/api/apps", &apps)
	require.Len(t, apps, 1)
	assert.Equal(t, 1234, apps[0].PID)
	assert.Equal(t, "game", apps[0].Comm)
	assert.Equal(t, "queueBuffer", apps[0].Symbol)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)

	var sessions []SessionRow
	getJSON(t, f.server.URL+"/api/sessions", &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(2), sessions[0].Frames)
	assert.Equal(t, int64(1), sessions[0].BigJankFrames)
	assert.InDelta(t, 80.0, sessions[0].MaxFrametimeMs, 0.001)
	assert.Nil(t, sessions[0].EndTime)
}

func TestFrames(t *testing.T) {
	f := newFixture(t)

	var frames []FrameRow
	getJSON(t, fmt.Sprintf("%s/api/frames?session=%d&limit=1", f.server.URL, f.session), &frames)
	require.Len(t, frames, 1)
	assert.Equal(t, "big_jank", frames[0].JankClass)
	assert.InDelta(t, 80.0, frames[0].FrametimeMs, 0.001)
}

func TestBadParameters(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/frames", "/api/frames?session=x", "/api/sessions?limit=-1", "/api/jank?limit=abc"} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	resp, err := http.Post(f.server.URL+"/api/apps", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestJankAndRules(t *testing.T) {
	f := newFixture(t)

	var matches []JankRow
	getJSON(t, f.server.URL+"/api/jank", &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, "big-jank", matches[0].RuleID)

	var rules []map[string]interface{}
	getJSON(t, f.server.URL+"/api/rules", &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, "Big jank", rules[0]["title"])
	assert.Equal(t, true, rules[0]["enabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "frame_analyzer_test_gauge 3")
}
