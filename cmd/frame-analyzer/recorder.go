package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/frame"
	"github.com/jnesss/frame-analyzer/metrics"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
)

const flushBatch = 256

// recorder turns frames into console output, database rows and rule matches.
// handle runs on the receive loop; endSession may run on the exit monitor.
type recorder struct {
	db        *database.DB // nil when not recording
	detector  *sigma.Detector
	metrics   *metrics.Metrics
	tracker   process.Tracker
	targetFPS int
	window    int
	logger    *zap.Logger
	print     func(format string, args ...interface{})

	mu        sync.Mutex
	sessions  map[int]int64
	windows   map[int]*frame.Window
	batch     []database.FrameRecord
	lastFlush time.Time
	interval  time.Duration
}

func newRecorder(db *database.DB, detector *sigma.Detector, m *metrics.Metrics, tracker process.Tracker,
	targetFPS, window int, flushInterval time.Duration, logger *zap.Logger) *recorder {
	return &recorder{
		db:        db,
		detector:  detector,
		metrics:   m,
		tracker:   tracker,
		targetFPS: targetFPS,
		window:    window,
		logger:    logger,
		print:     func(format string, args ...interface{}) { fmt.Printf(format, args...) },
		sessions:  make(map[int]int64),
		windows:   make(map[int]*frame.Window),
		lastFlush: time.Now(),
		interval:  flushInterval,
	}
}

// startSession registers an attached process
func (r *recorder) startSession(info *process.Info, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.windows[info.PID] = frame.NewWindow(r.window)
	if r.db == nil {
		return nil
	}

	id, err := r.db.StartSession(&database.SessionRecord{
		PID:       info.PID,
		Comm:      info.Comm,
		ExePath:   info.ExePath,
		Symbol:    symbol,
		StartTime: info.AttachTime,
	})
	if err != nil {
		return err
	}
	r.sessions[info.PID] = id
	return nil
}

// endSession flushes and closes the session of pid
func (r *recorder) endSession(pid int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.windows, pid)
	id, ok := r.sessions[pid]
	if !ok {
		return
	}
	delete(r.sessions, pid)

	r.flushLocked()
	if err := r.db.EndSession(id, at); err != nil {
		r.logger.Warn("Failed to end session", zap.Int("pid", pid), zap.Int64("session", id), zap.Error(err))
	}
}

// handle processes one frame
func (r *recorder) handle(ctx context.Context, f analyzer.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	class := frame.Classify(f.Frametime, r.targetFPS)
	if class != frame.Smooth {
		r.metrics.Jank(f.Pid, string(class))
	}
	r.print("pid %d: %.2f ms %s\n", f.Pid, float64(f.Frametime)/float64(time.Millisecond), class)

	if w, ok := r.windows[f.Pid]; ok {
		w.Push(f.Frametime)
		if w.Full() {
			r.print("pid %d: %.1f fps avg, %.2f ms max over %d frames\n",
				f.Pid, w.AverageFPS(), float64(w.Max())/float64(time.Millisecond), w.Len())
			w.Reset()
		}
	}

	sessionID := r.sessions[f.Pid]
	if r.detector != nil {
		event := sigma.FrameEvent{
			SessionID:   sessionID,
			Pid:         f.Pid,
			FrametimeNs: int64(f.Frametime),
			JankClass:   string(class),
			TargetFPS:   r.targetFPS,
			Timestamp:   time.Now(),
		}
		if info, ok := r.tracker.Get(f.Pid); ok {
			event.Comm = info.Comm
		}
		for _, match := range r.detector.CheckFrame(ctx, event) {
			r.logger.Info("Jank rule matched",
				zap.Int("pid", f.Pid),
				zap.String("rule", match.Rule.Title),
				zap.Duration("frametime", f.Frametime))
			if r.db != nil {
				if err := r.detector.StoreMatch(match, event); err != nil {
					r.logger.Warn("Failed to store match", zap.Error(err))
				}
			}
		}
	}

	if _, ok := r.sessions[f.Pid]; !ok {
		return
	}
	r.batch = append(r.batch, database.FrameRecord{
		SessionID:   sessionID,
		PID:         f.Pid,
		TimestampNs: f.TimestampNs,
		FrametimeNs: int64(f.Frametime),
		Surface:     f.Surface,
		JankClass:   string(class),
	})
	if len(r.batch) >= flushBatch || time.Since(r.lastFlush) >= r.interval {
		r.flushLocked()
	}
}

// close flushes pending frames and ends every open session
func (r *recorder) close() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.sessions))
	for pid := range r.sessions {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, pid := range pids {
		r.endSession(pid, now)
	}
}

func (r *recorder) flushLocked() {
	r.lastFlush = time.Now()
	if len(r.batch) == 0 || r.db == nil {
		return
	}
	if err := r.db.InsertFrames(r.batch); err != nil {
		r.logger.Warn("Failed to record frames", zap.Int("frames", len(r.batch)), zap.Error(err))
	}
	r.batch = r.batch[:0]
}
