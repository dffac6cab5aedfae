//go:build linux && (amd64 || arm64)

package platform

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" -target amd64,arm64 frameAnalyzer ../bpf/frame_analyzer.c

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/binary"
	"github.com/jnesss/frame-analyzer/process"
)

// objects is one private instance of the probe program and its ring buffer.
type objects struct {
	prog   *ebpf.Program
	events *ebpf.Map
	close  func()
}

type uprober interface {
	Uprobe(symbol string, prog *ebpf.Program, opts *link.UprobeOptions) (link.Link, error)
}

type recordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Loader holds the parsed probe object. Every Attach instantiates a fresh
// program and ring buffer from it so processes never share kernel state.
type Loader struct {
	spec   *ebpf.CollectionSpec
	target Target
	cache  *binary.SymbolCache
	logger *zap.Logger

	alive          func(pid int) error
	newObjects     func() (*objects, error)
	openExecutable func(path string) (uprober, error)
	newReader      func(events *ebpf.Map) (recordReader, error)
}

// NewLoader uses the probe object embedded at build time.
func NewLoader(opts Options) (*Loader, error) {
	// Remove rlimit
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, classify(ErrEbpf, fmt.Errorf("remove memlock: %w", err))
	}

	spec, err := loadFrameAnalyzer()
	if err != nil {
		return nil, fmt.Errorf("%w: load embedded probe object: %w", ErrEbpf, err)
	}
	return newLoader(spec, opts)
}

// NewLoaderFromReader parses a compiled probe object instead of the embedded one.
func NewLoaderFromReader(r io.ReaderAt, opts Options) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, classify(ErrEbpf, fmt.Errorf("remove memlock: %w", err))
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: load probe object: %w", ErrEbpf, err)
	}
	return newLoader(spec, opts)
}

func newLoader(spec *ebpf.CollectionSpec, opts Options) (*Loader, error) {
	if _, ok := spec.Programs[ProgramName]; !ok {
		return nil, ErrProgramNotFound
	}
	ring, ok := spec.Maps[RingMapName]
	if !ok {
		return nil, ErrMapNotFound
	}
	if opts.RingBufferSize != 0 {
		ring.MaxEntries = opts.RingBufferSize
	}

	target := DefaultTarget()
	if opts.Target.Library != "" {
		target.Library = opts.Target.Library
	}
	if len(opts.Target.Symbols) > 0 {
		target.Symbols = append([]string(nil), opts.Target.Symbols...)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Loader{
		spec:   spec,
		target: target,
		cache:  opts.Cache,
		logger: logger.With(zap.String("component", "loader")),
		alive:  process.CheckAlive,
		openExecutable: func(path string) (uprober, error) {
			return link.OpenExecutable(path)
		},
		newReader: func(events *ebpf.Map) (recordReader, error) {
			return ringbuf.NewReader(events)
		},
	}
	l.newObjects = l.loadObjects
	return l, nil
}

// loadObjects instantiates a copy of the spec in the kernel.
func (l *Loader) loadObjects() (*objects, error) {
	coll, err := ebpf.NewCollection(l.spec.Copy())
	if err != nil {
		return nil, classify(ErrEbpf, fmt.Errorf("create collection: %w", err))
	}

	prog := coll.Programs[ProgramName]
	if prog == nil {
		coll.Close()
		return nil, ErrProgramNotFound
	}
	events := coll.Maps[RingMapName]
	if events == nil {
		coll.Close()
		return nil, ErrMapNotFound
	}
	return &objects{prog: prog, events: events, close: coll.Close}, nil
}

// Target returns the library and symbols this loader instruments.
func (l *Loader) Target() Target {
	return l.target
}

// Attach loads a private copy of the probe and attaches it to pid only.
// Everything acquired is released again if a later step fails.
func (l *Loader) Attach(pid int) (*Probe, error) {
	if err := l.alive(pid); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			return nil, fmt.Errorf("%w: pid %d", ErrAppNotFound, pid)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	objs, err := l.newObjects()
	if err != nil {
		return nil, err
	}

	exe, err := l.openExecutable(l.target.Library)
	if err != nil {
		objs.close()
		return nil, fmt.Errorf("%w: %s: %w", ErrTargetNotFound, l.target.Library, err)
	}

	candidates := l.cache.Order(l.target.Library, l.target.Symbols)
	up, symbol, err := AttachSymbols(l.target.Library, candidates, func(sym string) (link.Link, error) {
		l.logger.Debug("Attaching uprobe", zap.Int("pid", pid), zap.String("symbol", sym))
		return exe.Uprobe(sym, objs.prog, &link.UprobeOptions{PID: pid})
	})
	if err != nil {
		objs.close()
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermission, err)
		}
		return nil, err
	}

	reader, err := l.newReader(objs.events)
	if err != nil {
		up.Close()
		objs.close()
		return nil, fmt.Errorf("%w: create ring buffer reader: %w", ErrMap, err)
	}
	l.cache.Remember(l.target.Library, symbol)

	l.logger.Debug("Probe attached",
		zap.Int("pid", pid),
		zap.String("library", l.target.Library),
		zap.String("symbol", symbol))

	return &Probe{
		pid:    pid,
		symbol: symbol,
		objs:   objs,
		link:   up,
		reader: reader,
	}, nil
}

// Probe owns the kernel resources attached to one process.
type Probe struct {
	pid    int
	symbol string
	objs   *objects
	link   link.Link
	reader recordReader

	closeOnce sync.Once
	closeErr  error
}

// Pid returns the process the probe is scoped to.
func (p *Probe) Pid() int { return p.pid }

// Symbol returns the symbol candidate that attached.
func (p *Probe) Symbol() string { return p.symbol }

// Read blocks until the probe publishes a record.
func (p *Probe) Read() ([]byte, error) {
	record, err := p.reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: read ring buffer: %w", ErrMap, err)
	}
	return record.RawSample, nil
}

// Close detaches the uprobe and unloads the program and ring buffer. It is
// safe to call more than once and after the target process exited.
func (p *Probe) Close() error {
	p.closeOnce.Do(func() {
		// Reader first so a blocked Read returns.
		var errs []error
		if err := p.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ring buffer reader: %w", err))
		}
		if err := p.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach uprobe: %w", err))
		}
		p.objs.close()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
