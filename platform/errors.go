package platform

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Error kinds. Use errors.Is to classify.
var (
	// ErrEbpf covers program/map creation and the kernel interface failing.
	ErrEbpf = errors.New("ebpf subsystem error")
	// ErrProgram covers probe program load/attach failures.
	ErrProgram = errors.New("probe program error")
	// ErrMap covers ring buffer lookup and reader failures.
	ErrMap = errors.New("ring buffer map error")
	// ErrIO covers underlying system call failures.
	ErrIO = errors.New("i/o error")
	// ErrAppNotFound means the target pid is not a live process.
	ErrAppNotFound = errors.New("target application with specified PID not found")
	// ErrPermission means the caller cannot load kernel programs.
	ErrPermission = errors.New("insufficient permissions (need root or CAP_BPF)")
	// ErrUnsupported is returned on platforms without eBPF.
	ErrUnsupported = errors.New("eBPF probes are only supported on linux amd64 and arm64")
	// ErrClosed is returned by Source.Read after Close.
	ErrClosed = errors.New("probe closed")

	ErrProgramNotFound = fmt.Errorf("%w: program %q not found", ErrProgram, ProgramName)
	ErrTargetNotFound  = fmt.Errorf("%w: target library not found", ErrProgram)
	ErrMapNotFound     = fmt.Errorf("%w: map %q not found", ErrMap, RingMapName)
)

// SymbolAttempt is one failed attempt to attach to a symbol.
type SymbolAttempt struct {
	Symbol string
	Err    error
}

// SymbolAttachError is returned when no symbol candidate could be attached.
type SymbolAttachError struct {
	Library  string
	Attempts []SymbolAttempt
}

func (e *SymbolAttachError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no symbol candidates to attach in %s", e.Library)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "failed to attach uprobe in %s:", e.Library)
	for i, a := range e.Attempts {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " %s: %v", a.Symbol, a.Err)
	}
	return b.String()
}

func (e *SymbolAttachError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// classify wraps err with kind, or with ErrPermission when the kernel refused
// for lack of privilege.
func classify(kind, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// C ABI error codes.
const (
	CodeOK           = 0
	CodeEbpf         = -1
	CodeProgram      = -2
	CodeMap          = -3
	CodeIO           = -4
	CodeAppNotFound  = -5
	CodeSymbolAttach = -6
	CodePermission   = -7
	CodeUnsupported  = -8
	CodeUnknown      = -99
)

// Code maps err to its C ABI error code.
func Code(err error) int {
	var symErr *SymbolAttachError
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrAppNotFound):
		return CodeAppNotFound
	case errors.As(err, &symErr):
		return CodeSymbolAttach
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrEbpf):
		return CodeEbpf
	case errors.Is(err, ErrProgram):
		return CodeProgram
	case errors.Is(err, ErrMap):
		return CodeMap
	case errors.Is(err, ErrIO):
		return CodeIO
	default:
		return CodeUnknown
	}
}
