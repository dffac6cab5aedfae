//go:build !linux || !(amd64 || arm64)

package platform

import (
	"io"
	"runtime"

	"go.uber.org/zap"
)

// Loader is a stub on platforms without eBPF support.
type Loader struct {
	target Target
}

// NewLoader always fails with ErrUnsupported.
func NewLoader(opts Options) (*Loader, error) {
	zapOrNop(opts.Logger).Warn("eBPF probes not available on this platform",
		zap.String("os", runtime.GOOS), zap.String("arch", runtime.GOARCH))
	return nil, ErrUnsupported
}

// NewLoaderFromReader always fails with ErrUnsupported.
func NewLoaderFromReader(_ io.ReaderAt, opts Options) (*Loader, error) {
	return NewLoader(opts)
}

// Target returns the configured target.
func (l *Loader) Target() Target {
	return l.target
}

// Attach always fails with ErrUnsupported.
func (l *Loader) Attach(_ int) (*Probe, error) {
	return nil, ErrUnsupported
}

// Probe is a stub on platforms without eBPF support.
type Probe struct{}

// Pid returns 0.
func (p *Probe) Pid() int { return 0 }

// Symbol returns "".
func (p *Probe) Symbol() string { return "" }

// Read always returns ErrClosed.
func (p *Probe) Read() ([]byte, error) { return nil, ErrClosed }

// Close is a no-op.
func (p *Probe) Close() error { return nil }

func zapOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
