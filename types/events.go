// Package types holds the record layout shared between the kernel probe and
// userspace. It mirrors struct frame_signal in bpf/frame_analyzer.c.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSignalSize is the size in bytes of one ring buffer record.
const FrameSignalSize = 16

// ErrShortRecord is returned when a raw sample is smaller than a FrameSignal.
var ErrShortRecord = errors.New("short frame signal record")

// FrameSignal is one instrumented call as written by the probe
type FrameSignal struct {
	// Monotonic kernel time (bpf_ktime_get_ns)
	TimestampNs uint64
	// First argument of the instrumented function (buffer handle)
	Arg0 uint64
}

// DecodeFrameSignal parses a little-endian raw sample. Trailing bytes are
// ignored since ring buffer samples may be padded.
func DecodeFrameSignal(raw []byte) (FrameSignal, error) {
	if len(raw) < FrameSignalSize {
		return FrameSignal{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortRecord, len(raw), FrameSignalSize)
	}
	return FrameSignal{
		TimestampNs: binary.LittleEndian.Uint64(raw[0:8]),
		Arg0:        binary.LittleEndian.Uint64(raw[8:16]),
	}, nil
}

// AppendBinary appends the wire form of s to b.
func (s FrameSignal) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, s.TimestampNs)
	return binary.LittleEndian.AppendUint64(b, s.Arg0)
}
