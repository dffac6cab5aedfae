// Package platform loads the frame probe and binds one private copy of it to
// one target process.
//
// The Linux implementation uses cilium/ebpf. Other platforms get a stub so
// the rest of the module can be built and tested anywhere.
package platform

import (
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/binary"
)

// Names inside bpf/frame_analyzer.c
const (
	ProgramName = "frame_analyzer"
	RingMapName = "frame_events"
)

// DefaultLibrary is the graphics library holding the instrumented function.
const DefaultLibrary = "/system/lib64/libgui.so"

// DefaultSymbols are the known mangled names of Surface::queueBuffer, most
// common first. Newer platform releases added the output parameter.
var DefaultSymbols = []string{
	"_ZN7android7Surface11queueBufferEP19ANativeWindowBufferi",
	"_ZN7android7Surface11queueBufferEP19ANativeWindowBufferiPNS_24SurfaceQueueBufferOutputE",
}

// Target is the library and ordered symbol candidates to instrument.
type Target struct {
	Library string
	Symbols []string
}

// DefaultTarget returns the queueBuffer target of the platform graphics stack.
func DefaultTarget() Target {
	return Target{
		Library: DefaultLibrary,
		Symbols: append([]string(nil), DefaultSymbols...),
	}
}

// Options configures a Loader.
type Options struct {
	Target Target
	// RingBufferSize overrides the ring buffer capacity in bytes; 0 keeps the
	// size compiled into the object.
	RingBufferSize uint32
	// Cache, when set, lets a later attach try the last working symbol first.
	Cache  *binary.SymbolCache
	Logger *zap.Logger
}

// Source is the userspace side of one attached probe's ring buffer.
// Read blocks until a raw record is available and returns ErrClosed once
// Close was called.
type Source interface {
	Read() ([]byte, error)
	Close() error
}
