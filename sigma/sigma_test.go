package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/frame-analyzer/database"
)

const bigJankRule = `title: Big jank frame
id: big-jank
status: experimental
level: high
logsource:
  category: frame
  product: android
detection:
  selection:
    JankClass: big_jank
  condition: selection
`

const processRule = `title: Jank in launcher
id: launcher-jank
level: low
logsource:
  category: frame
detection:
  selection:
    ProcessName: launcher
    JankClass:
      - jank
      - big_jank
  condition: selection
`

func setup(t *testing.T, rules map[string]string) (*Detector, *database.DB) {
	t.Helper()

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rulesDir := t.TempDir()
	enabled := filepath.Join(rulesDir, "enabled_rules")
	require.NoError(t, os.MkdirAll(enabled, 0755))
	for name, body := range rules {
		require.NoError(t, os.WriteFile(filepath.Join(enabled, name), []byte(body), 0644))
	}

	d, err := NewDetector(rulesDir, db, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, db
}

func TestLoadRulesSkipsInvalidFiles(t *testing.T) {
	d, _ := setup(t, map[string]string{
		"big_jank.yml": bigJankRule,
		"notes.txt":    "not a rule",
		"broken.yml":   "title: [unterminated",
	})

	assert.Equal(t, 1, d.RuleCount())
	assert.DirExists(t, filepath.Join(d.RulesDir, "disabled_rules"))
}

func TestCheckFrame(t *testing.T) {
	d, _ := setup(t, map[string]string{
		"big_jank.yml": bigJankRule,
		"launcher.yml": processRule,
	})
	ctx := context.Background()

	matches := d.CheckFrame(ctx, FrameEvent{Pid: 1, Comm: "game", FrametimeNs: 80_000_000, JankClass: "big_jank"})
	require.Len(t, matches, 1)
	assert.Equal(t, "big-jank", matches[0].Rule.ID)
	assert.Equal(t, "high", matches[0].Rule.Level)

	matches = d.CheckFrame(ctx, FrameEvent{Pid: 2, Comm: "launcher", FrametimeNs: 40_000_000, JankClass: "jank"})
	require.Len(t, matches, 1)
	assert.Equal(t, "launcher-jank", matches[0].Rule.ID)

	matches = d.CheckFrame(ctx, FrameEvent{Pid: 2, Comm: "launcher", FrametimeNs: 90_000_000, JankClass: "big_jank"})
	assert.Len(t, matches, 2)

	assert.Empty(t, d.CheckFrame(ctx, FrameEvent{Pid: 3, Comm: "game", FrametimeNs: 16_000_000, JankClass: "smooth"}))
}

func TestStoreMatch(t *testing.T) {
	d, _ := setup(t, map[string]string{"big_jank.yml": bigJankRule})

	frame := FrameEvent{SessionID: 3, Pid: 77, Comm: "game", FrametimeNs: 120_000_000, JankClass: "big_jank", TargetFPS: 60}
	matches := d.CheckFrame(context.Background(), frame)
	require.Len(t, matches, 1)
	require.NoError(t, d.StoreMatch(matches[0], frame))

	stored, err := d.Matches(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "big-jank", stored[0].RuleID)
	assert.Equal(t, "Big jank frame", stored[0].RuleName)
	assert.Equal(t, "high", stored[0].Severity)
	assert.Equal(t, 77, stored[0].PID)
	assert.Equal(t, int64(3), stored[0].SessionID)
	assert.Contains(t, stored[0].MatchDetails, `"FrametimeMs":"120.0"`)
}

func TestRulesReloadOnChange(t *testing.T) {
	d, _ := setup(t, nil)
	assert.Zero(t, d.RuleCount())

	path := filepath.Join(d.RulesDir, "enabled_rules", "big_jank.yml")
	require.NoError(t, os.WriteFile(path, []byte(bigJankRule), 0644))

	assert.Eventually(t, func() bool { return d.RuleCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return d.RuleCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	d, _ := setup(t, nil)
	require.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
