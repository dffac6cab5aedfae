// Package analyzer multiplexes the frame probes of many processes into one
// stream of per-process frametimes.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/frame"
	"github.com/jnesss/frame-analyzer/metrics"
	"github.com/jnesss/frame-analyzer/platform"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/types"
)

// Version of the frame analyzer.
const Version = "0.3.0"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("analyzer closed")
	// ErrAlreadyAttached is returned when attaching a pid that is already monitored.
	ErrAlreadyAttached = errors.New("process already attached")
)

// readRetryDelay paces a reader whose ring buffer keeps failing.
var readRetryDelay = 100 * time.Millisecond

// Probe is one attached probe as seen by the Analyzer.
type Probe interface {
	platform.Source
	Symbol() string
}

// AttachFunc binds a new probe to pid.
type AttachFunc func(pid int) (Probe, error)

// Frame is one frametime of a monitored process.
type Frame struct {
	Pid       int
	Frametime time.Duration
	// Kernel timestamp of the call closing the interval
	TimestampNs uint64
	// First argument of the instrumented call
	Surface uint64
}

// AppInfo describes a monitored process.
type AppInfo struct {
	Pid        int
	Symbol     string
	AttachedAt time.Time
	Anomalies  uint64
}

type sample struct {
	pid    int
	gen    uint64
	signal types.FrameSignal
}

type app struct {
	pid      int
	gen      uint64
	probe    Probe
	state    *frame.State
	pending  []Frame
	queued   bool
	attached time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Analyzer owns the probes of every monitored process. All methods are safe
// for concurrent use.
type Analyzer struct {
	attach     AttachFunc
	alive      func(pid int) error
	logger     *zap.Logger
	metrics    *metrics.Metrics
	bufferSize int

	mu      sync.Mutex
	apps    map[int]*app
	ready   []int
	nextGen uint64
	closed  bool

	samples chan sample
	done    chan struct{}
}

// New creates an Analyzer attaching probes through loader.
func New(loader *platform.Loader, logger *zap.Logger, opts ...Option) *Analyzer {
	return NewWithAttacher(func(pid int) (Probe, error) {
		p, err := loader.Attach(pid)
		if err != nil {
			return nil, err
		}
		return p, nil
	}, logger, opts...)
}

// NewWithAttacher creates an Analyzer using attach to bind probes.
func NewWithAttacher(attach AttachFunc, logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		attach:     attach,
		alive:      process.CheckAlive,
		logger:     logger,
		bufferSize: DefaultEventBuffer,
		apps:       make(map[int]*app),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.samples = make(chan sample, a.bufferSize)
	return a
}

// AttachApp starts monitoring pid. It fails with platform.ErrAppNotFound,
// without touching the kernel, when the process does not exist.
func (a *Analyzer) AttachApp(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, ok := a.apps[pid]; ok {
		return fmt.Errorf("%w: pid %d", ErrAlreadyAttached, pid)
	}

	if err := a.alive(pid); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			return fmt.Errorf("%w: pid %d", platform.ErrAppNotFound, pid)
		}
		return fmt.Errorf("%w: liveness check pid %d: %w", platform.ErrIO, pid, err)
	}

	probe, err := a.attach(pid)
	a.metrics.AttachResult(err)
	if err != nil {
		a.logger.Warn("Failed to attach probe", zap.Int("pid", pid), zap.Error(err))
		return err
	}

	a.nextGen++
	ap := &app{
		pid:      pid,
		gen:      a.nextGen,
		probe:    probe,
		state:    frame.NewState(),
		attached: time.Now(),
		done:     make(chan struct{}),
	}
	a.apps[pid] = ap
	a.metrics.SetAttached(len(a.apps))

	ap.wg.Add(1)
	go a.read(ap)

	a.logger.Info("Attached frame probe",
		zap.Int("pid", pid),
		zap.String("symbol", probe.Symbol()))
	return nil
}

// DetachApp stops monitoring pid. Detaching a pid that is not monitored is a
// no-op. A failure to release kernel resources is logged and returned; the
// pid is no longer monitored either way.
func (a *Analyzer) DetachApp(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	return a.detachLocked(pid)
}

// DetachApps stops monitoring every pid.
func (a *Analyzer) DetachApps() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	return a.detachAllLocked()
}

func (a *Analyzer) detachAllLocked() error {
	var errs []error
	for pid := range a.apps {
		if err := a.detachLocked(pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Analyzer) detachLocked(pid int) error {
	ap, ok := a.apps[pid]
	if !ok {
		return nil
	}
	delete(a.apps, pid)
	a.dropReady(pid)

	close(ap.done)
	err := ap.probe.Close()
	ap.wg.Wait()

	a.metrics.Detached(pid)
	a.metrics.SetAttached(len(a.apps))

	if err != nil {
		a.logger.Warn("Failed to release probe", zap.Int("pid", pid), zap.Error(err))
		return fmt.Errorf("detach pid %d: %w", pid, err)
	}
	a.logger.Info("Detached frame probe", zap.Int("pid", pid))
	return nil
}

func (a *Analyzer) dropReady(pid int) {
	kept := a.ready[:0]
	for _, p := range a.ready {
		if p != pid {
			kept = append(kept, p)
		}
	}
	a.ready = kept
}

// Contains reports whether pid is monitored.
func (a *Analyzer) Contains(pid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.apps[pid]
	return ok
}

// Info returns details about a monitored pid.
func (a *Analyzer) Info(pid int) (AppInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ap, ok := a.apps[pid]
	if !ok {
		return AppInfo{}, false
	}
	return AppInfo{
		Pid:        pid,
		Symbol:     ap.probe.Symbol(),
		AttachedAt: ap.attached,
		Anomalies:  ap.state.Anomalies(),
	}, true
}

// Pids returns the monitored pids in ascending order.
func (a *Analyzer) Pids() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	pids := make([]int, 0, len(a.apps))
	for pid := range a.apps {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Recv blocks until any monitored process yields a frametime. With nothing
// attached it waits until ctx is done.
func (a *Analyzer) Recv(ctx context.Context) (Frame, error) {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return Frame{}, ErrClosed
		}
		if f, ok := a.pop(); ok {
			a.mu.Unlock()
			return f, nil
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-a.done:
			return Frame{}, ErrClosed
		case s := <-a.samples:
			// Route everything that is already waiting so every ready
			// process is queued before one is picked.
			a.mu.Lock()
			a.route(s)
			a.drainLocked()
			a.mu.Unlock()
		}
	}
}

// RecvTimeout is Recv bounded by d. It reports false when d elapsed without
// a frametime or the analyzer is closed.
func (a *Analyzer) RecvTimeout(d time.Duration) (Frame, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	f, err := a.Recv(ctx)
	if err != nil {
		return Frame{}, false
	}
	return f, true
}

// TryRecv returns a frametime only if one can be computed from records the
// readers already pulled out of the kernel. It never blocks.
func (a *Analyzer) TryRecv() (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Frame{}, false
	}
	if f, ok := a.pop(); ok {
		return f, true
	}

	a.drainLocked()
	return a.pop()
}

// drainLocked routes the records buffered right now without waiting for more.
// Caller holds a.mu.
func (a *Analyzer) drainLocked() {
	for n := len(a.samples); n > 0; n-- {
		select {
		case s := <-a.samples:
			a.route(s)
		default:
			return
		}
	}
}

// route feeds one record into its process state. Caller holds a.mu.
func (a *Analyzer) route(s sample) {
	ap, ok := a.apps[s.pid]
	if !ok || ap.gen != s.gen {
		a.metrics.StaleRecord()
		return
	}

	anomalies := ap.state.Anomalies()
	ft, ok := ap.state.Update(s.signal.TimestampNs)
	if !ok {
		if ap.state.Anomalies() != anomalies {
			a.metrics.ClockAnomaly(s.pid)
			a.logger.Debug("Timestamp went backwards",
				zap.Int("pid", s.pid),
				zap.Uint64("timestamp_ns", s.signal.TimestampNs))
		}
		return
	}

	ap.pending = append(ap.pending, Frame{
		Pid:         s.pid,
		Frametime:   ft,
		TimestampNs: s.signal.TimestampNs,
		Surface:     s.signal.Arg0,
	})
	a.metrics.ObserveFrame(s.pid, ft)
	if !ap.queued {
		ap.queued = true
		a.ready = append(a.ready, s.pid)
	}
}

// pop takes one frametime from the head of the ready queue. A pid with more
// pending frametimes goes back to the tail. Caller holds a.mu.
func (a *Analyzer) pop() (Frame, bool) {
	for len(a.ready) > 0 {
		pid := a.ready[0]
		a.ready = a.ready[1:]

		ap, ok := a.apps[pid]
		if !ok {
			continue
		}
		if len(ap.pending) == 0 {
			ap.queued = false
			continue
		}

		f := ap.pending[0]
		ap.pending = ap.pending[1:]
		if len(ap.pending) > 0 {
			a.ready = append(a.ready, pid)
		} else {
			ap.queued = false
			ap.pending = nil
		}
		return f, true
	}
	return Frame{}, false
}

// read forwards records of one probe until it is detached.
func (a *Analyzer) read(ap *app) {
	defer ap.wg.Done()

	for {
		raw, err := ap.probe.Read()
		if err != nil {
			if errors.Is(err, platform.ErrClosed) {
				return
			}
			select {
			case <-ap.done:
				return
			default:
			}
			a.logger.Warn("Error reading ring buffer", zap.Int("pid", ap.pid), zap.Error(err))
			select {
			case <-ap.done:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		sig, err := types.DecodeFrameSignal(raw)
		if err != nil {
			a.metrics.DecodeError()
			a.logger.Debug("Dropping malformed record", zap.Int("pid", ap.pid), zap.Error(err))
			continue
		}

		select {
		case a.samples <- sample{pid: ap.pid, gen: ap.gen, signal: sig}:
		case <-ap.done:
			return
		}
	}
}

// Close detaches every probe. Later calls return ErrClosed.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	err := a.detachAllLocked()
	a.closed = true
	a.ready = nil
	close(a.done)
	return err
}
