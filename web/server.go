package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
)

const defaultLimit = 100

// Apps is the live view of monitored processes
type Apps interface {
	Pids() []int
	Info(pid int) (analyzer.AppInfo, bool)
}

type Server struct {
	db            *database.DB
	sigmaDetector *sigma.Detector
	apps          Apps
	tracker       process.Tracker
	gatherer      prometheus.Gatherer
	listenAddr    string
	logger        *zap.Logger
}

// NewServer creates the API server. detector, apps, tracker and gatherer may be nil;
// their routes then report empty results or are not registered.
func NewServer(db *database.DB, detector *sigma.Detector, apps Apps, tracker process.Tracker,
	gatherer prometheus.Gatherer, listenAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		db:            db,
		sigmaDetector: detector,
		apps:          apps,
		tracker:       tracker,
		gatherer:      gatherer,
		listenAddr:    listenAddr,
		logger:        logger,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/apps", s.debugHandler(s.handleApps))
	mux.HandleFunc("/api/sessions", s.debugHandler(s.handleSessions))
	mux.HandleFunc("/api/frames", s.debugHandler(s.handleFrames))

	if s.sigmaDetector != nil {
		mux.HandleFunc("/api/jank", s.debugHandler(s.handleJankMatches))
		mux.HandleFunc("/api/rules", s.debugHandler(s.handleRules))
	}

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// debugHandler logs request details
func (s *Server) debugHandler(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		h(w, r)
	}
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

func toMs(ns int64) float64 {
	return float64(ns) / float64(time.Millisecond)
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rows := []AppRow{}
	if s.apps != nil {
		for _, pid := range s.apps.Pids() {
			info, ok := s.apps.Info(pid)
			if !ok {
				continue
			}
			row := AppRow{
				PID:        pid,
				Symbol:     info.Symbol,
				AttachedAt: info.AttachedAt,
				Anomalies:  info.Anomalies,
			}
			if s.tracker != nil {
				if proc, ok := s.tracker.Get(pid); ok {
					row.Comm = proc.Name()
				}
			}
			rows = append(rows, row)
		}
	}

	writeJSON(w, rows)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.logger.Error("Error fetching sessions", zap.Error(err))
		http.Error(w, "Error fetching sessions", http.StatusInternalServerError)
		return
	}

	rows := make([]SessionRow, 0, len(sessions))
	for _, session := range sessions {
		summary, err := s.db.SessionSummary(session.ID)
		if err != nil {
			s.logger.Error("Error summarizing session", zap.Int64("session", session.ID), zap.Error(err))
			http.Error(w, "Error summarizing session", http.StatusInternalServerError)
			return
		}

		row := SessionRow{
			ID:             session.ID,
			PID:            session.PID,
			Comm:           session.Comm,
			ExePath:        session.ExePath,
			Symbol:         session.Symbol,
			StartTime:      session.StartTime,
			Frames:         summary.Frames,
			AverageFPS:     summary.AverageFPS(),
			MaxFrametimeMs: toMs(summary.MaxFrametimeNs),
			JankFrames:     summary.JankFrames,
			BigJankFrames:  summary.BigJankFrames,
		}
		if session.EndTime.Valid {
			end := session.EndTime.Time
			row.EndTime = &end
		}
		rows = append(rows, row)
	}

	writeJSON(w, rows)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session", http.StatusBadRequest)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	frames, err := s.db.RecentFrames(sessionID, limit)
	if err != nil {
		s.logger.Error("Error fetching frames", zap.Error(err))
		http.Error(w, "Error fetching frames", http.StatusInternalServerError)
		return
	}

	rows := make([]FrameRow, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, FrameRow{
			PID:         f.PID,
			TimestampNs: f.TimestampNs,
			FrametimeMs: toMs(f.FrametimeNs),
			JankClass:   f.JankClass,
		})
	}

	writeJSON(w, rows)
}

func (s *Server) handleJankMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	matches, err := s.sigmaDetector.Matches(limit)
	if err != nil {
		s.logger.Error("Error fetching matches", zap.Error(err))
		http.Error(w, "Error fetching matches", http.StatusInternalServerError)
		return
	}

	rows := make([]JankRow, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, JankRow{
			ID:          m.ID,
			SessionID:   m.SessionID,
			PID:         m.PID,
			RuleID:      m.RuleID,
			RuleName:    m.RuleName,
			Severity:    m.Severity,
			JankClass:   m.JankClass,
			FrametimeMs: toMs(m.FrametimeNs),
			Timestamp:   m.Timestamp,
		})
	}

	writeJSON(w, rows)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules := []map[string]interface{}{}
	for _, dir := range []struct {
		name    string
		enabled bool
	}{{"enabled_rules", true}, {"disabled_rules", false}} {
		found, err := readRulesFromDir(filepath.Join(s.sigmaDetector.RulesDir, dir.name), dir.enabled)
		if err != nil {
			s.logger.Error("Error reading rules", zap.String("dir", dir.name), zap.Error(err))
			http.Error(w, "Error reading rules", http.StatusInternalServerError)
			return
		}
		rules = append(rules, found...)
	}

	writeJSON(w, rules)
}

// readRulesFromDir reads and parses Sigma rules from a directory
func readRulesFromDir(dir string, enabled bool) ([]map[string]interface{}, error) {
	var rules []map[string]interface{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !(strings.HasSuffix(entry.Name(), ".yml") || strings.HasSuffix(entry.Name(), ".yaml")) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}

		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}

		rules = append(rules, map[string]interface{}{
			"id":          rule.ID,
			"title":       rule.Title,
			"description": rule.Description,
			"level":       rule.Level,
			"filename":    entry.Name(),
			"enabled":     enabled,
		})
	}

	return rules, nil
}
