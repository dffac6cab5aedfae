// Package sigma matches frames against Sigma rules so jank patterns can be
// described and tuned without rebuilding the collector.
package sigma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/database"
)

// Detector manages jank rules and detection
type Detector struct {
	RulesDir string
	db       *database.DB
	logger   *zap.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// FrameEvent is the document a rule is evaluated against
type FrameEvent struct {
	SessionID   int64
	Pid         int
	Comm        string
	FrametimeNs int64
	JankClass   string
	TargetFPS   int
	Timestamp   time.Time
}

// Fields flattens the event into the field names rules refer to.
// Values are strings since rule values are matched as strings.
func (e FrameEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"SessionId":   strconv.FormatInt(e.SessionID, 10),
		"ProcessId":   strconv.Itoa(e.Pid),
		"ProcessName": e.Comm,
		"FrametimeNs": strconv.FormatInt(e.FrametimeNs, 10),
		"FrametimeMs": strconv.FormatFloat(float64(e.FrametimeNs)/1e6, 'f', 1, 64),
		"JankClass":   e.JankClass,
		"TargetFps":   strconv.Itoa(e.TargetFPS),
	}
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

func frameConfig() sigma.Config {
	return sigma.Config{
		Title: "Frame Analyzer Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"JankClass":   {TargetNames: []string{"JankClass"}},
			"ProcessId":   {TargetNames: []string{"ProcessId"}},
			"ProcessName": {TargetNames: []string{"ProcessName"}},
			"Image":       {TargetNames: []string{"ProcessName"}},
			"FrametimeMs": {TargetNames: []string{"FrametimeMs"}},
			"FrametimeNs": {TargetNames: []string{"FrametimeNs"}},
			"TargetFps":   {TargetNames: []string{"TargetFps"}},
			"SessionId":   {TargetNames: []string{"SessionId"}},
		},
	}
}

// NewDetector creates a detector loading rules from rulesDir/enabled_rules and
// reloading them when that directory changes.
func NewDetector(rulesDir string, db *database.DB, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		logger:     logger,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")

	for _, dir := range []string{enabledDir, disabledDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	// changes in disabled_rules don't matter
	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	logger.Debug("Watching rule directory", zap.String("dir", enabledDir))

	detector.wg.Add(2)
	go detector.watchFileChanges()
	go detector.processReloads()

	return detector, nil
}

func (sd *Detector) watchFileChanges() {
	defer sd.wg.Done()

	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.logger.Info("Detected rule change",
					zap.String("file", event.Name),
					zap.String("op", event.Op.String()))
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (sd *Detector) processReloads() {
	defer sd.wg.Done()

	for {
		select {
		case <-sd.done:
			return
		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				sd.logger.Error("Error reloading rules", zap.Error(err))
			}
		}
	}
}

// ReloadRules schedules a reload. Requests coalesce while one is pending.
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
	}
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// LoadRules replaces the active rules with the ones in enabled_rules.
// Files that fail to parse are skipped.
func (sd *Detector) LoadRules() error {
	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		filePath := filepath.Join(enabledDir, entry.Name())

		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			sd.logger.Warn("Failed to load rule file", zap.String("file", filePath), zap.Error(err))
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		sd.logger.Debug("Loaded rule",
			zap.String("title", ruleEvaluator.Rule.Title),
			zap.String("id", ruleEvaluator.Rule.ID))
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	sd.logger.Info("Loaded jank rules", zap.Int("count", len(evaluators)), zap.String("dir", enabledDir))
	return nil
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	// Frames are matched one at a time; aggregations always see nothing.
	return evaluator.ForRule(rule,
		evaluator.WithConfig(frameConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		})), nil
}

// RuleCount returns how many rules are active
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// CheckFrame evaluates a frame against every active rule and returns the matches
// ordered by rule id.
func (sd *Detector) CheckFrame(ctx context.Context, frame FrameEvent) []MatchResult {
	event := frame.Fields()

	sd.mu.RLock()
	defer sd.mu.RUnlock()

	ids := make([]string, 0, len(sd.evaluators))
	for id := range sd.evaluators {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []MatchResult
	for _, id := range ids {
		ruleEvaluator := sd.evaluators[id]
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.logger.Debug("Error evaluating frame", zap.String("rule", id), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}

	return results
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, frame FrameEvent) error {
	details, err := json.Marshal(struct {
		Details []string               `json:"details"`
		Event   map[string]interface{} `json:"event"`
	}{match.MatchDetails, frame.Fields()})
	if err != nil {
		return fmt.Errorf("failed to marshal match details: %v", err)
	}

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}
	timestamp := frame.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	_, err = sd.db.InsertJankMatch(&database.JankMatch{
		SessionID:    frame.SessionID,
		PID:          frame.Pid,
		RuleID:       match.Rule.ID,
		RuleName:     match.Rule.Title,
		Severity:     severity,
		JankClass:    frame.JankClass,
		FrametimeNs:  frame.FrametimeNs,
		Timestamp:    timestamp,
		MatchDetails: string(details),
	})
	return err
}

// Matches returns the newest stored matches first
func (sd *Detector) Matches(limit int) ([]database.JankMatch, error) {
	return sd.db.JankMatches(limit)
}

// Close stops watching the rules directory
func (sd *Detector) Close() error {
	var err error
	sd.closeOnce.Do(func() {
		close(sd.done)
		err = sd.watcher.Close()
		sd.wg.Wait()
	})
	return err
}
