package platform

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: CodeOK},
		{name: "ebpf", err: fmt.Errorf("%w: boom", ErrEbpf), want: CodeEbpf},
		{name: "program not found", err: ErrProgramNotFound, want: CodeProgram},
		{name: "target not found", err: fmt.Errorf("%w: /x: %w", ErrTargetNotFound, os.ErrNotExist), want: CodeProgram},
		{name: "map not found", err: ErrMapNotFound, want: CodeMap},
		{name: "io", err: fmt.Errorf("%w: open: %w", ErrIO, os.ErrNotExist), want: CodeIO},
		{name: "app not found", err: fmt.Errorf("%w: pid 9", ErrAppNotFound), want: CodeAppNotFound},
		{name: "symbol attach", err: &SymbolAttachError{Library: "/lib"}, want: CodeSymbolAttach},
		{name: "permission", err: classify(ErrEbpf, os.ErrPermission), want: CodePermission},
		{name: "unsupported", err: ErrUnsupported, want: CodeUnsupported},
		{name: "unknown", err: errors.New("mystery"), want: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(ErrEbpf, fmt.Errorf("create map: %w", os.ErrPermission))
	assert.ErrorIs(t, err, ErrPermission)
	assert.NotErrorIs(t, err, ErrEbpf)

	err = classify(ErrEbpf, errors.New("verifier rejected program"))
	assert.ErrorIs(t, err, ErrEbpf)
	assert.NotErrorIs(t, err, ErrPermission)
}

func TestSentinelHierarchy(t *testing.T) {
	assert.ErrorIs(t, ErrProgramNotFound, ErrProgram)
	assert.ErrorIs(t, ErrTargetNotFound, ErrProgram)
	assert.ErrorIs(t, ErrMapNotFound, ErrMap)
}

func TestDefaultTargetIsACopy(t *testing.T) {
	target := DefaultTarget()
	target.Symbols[0] = "changed"
	assert.NotEqual(t, "changed", DefaultSymbols[0])
	assert.Equal(t, DefaultLibrary, target.Library)
}
