package platform

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct{ symbol string }

func TestAttachSymbolsPrimarySucceeds(t *testing.T) {
	var tried []string
	l, sym, err := AttachSymbols(DefaultLibrary, DefaultSymbols, func(s string) (*fakeLink, error) {
		tried = append(tried, s)
		return &fakeLink{symbol: s}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, DefaultSymbols[0], sym)
	assert.Equal(t, DefaultSymbols[0], l.symbol)
	assert.Equal(t, []string{DefaultSymbols[0]}, tried)
}

func TestAttachSymbolsFallsBackToSecondary(t *testing.T) {
	primaryErr := errors.New("symbol not found")
	l, sym, err := AttachSymbols(DefaultLibrary, DefaultSymbols, func(s string) (*fakeLink, error) {
		if s == DefaultSymbols[0] {
			return nil, primaryErr
		}
		return &fakeLink{symbol: s}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, DefaultSymbols[1], sym)
	assert.Equal(t, DefaultSymbols[1], l.symbol)
}

func TestAttachSymbolsAllFail(t *testing.T) {
	errA := errors.New("no such symbol")
	errB := os.ErrPermission

	_, sym, err := AttachSymbols(DefaultLibrary, DefaultSymbols, func(s string) (*fakeLink, error) {
		if s == DefaultSymbols[0] {
			return nil, errA
		}
		return nil, errB
	})

	require.Error(t, err)
	assert.Empty(t, sym)

	var symErr *SymbolAttachError
	require.ErrorAs(t, err, &symErr)
	assert.Equal(t, DefaultLibrary, symErr.Library)
	require.Len(t, symErr.Attempts, 2)

	msg := err.Error()
	assert.Contains(t, msg, DefaultSymbols[0])
	assert.Contains(t, msg, DefaultSymbols[1])
	assert.Contains(t, msg, errA.Error())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, CodeSymbolAttach, Code(err))
}

func TestAttachSymbolsOrderedCandidates(t *testing.T) {
	candidates := []string{"v1", "v2", "v3"}
	var tried []string
	_, sym, err := AttachSymbols("/lib/libx.so", candidates, func(s string) (int, error) {
		tried = append(tried, s)
		if s == "v3" {
			return 3, nil
		}
		return 0, errors.New("nope")
	})

	require.NoError(t, err)
	assert.Equal(t, "v3", sym)
	assert.Equal(t, candidates, tried)
}

func TestAttachSymbolsNoCandidates(t *testing.T) {
	_, _, err := AttachSymbols("/lib/libx.so", nil, func(string) (int, error) { return 0, nil })

	var symErr *SymbolAttachError
	require.ErrorAs(t, err, &symErr)
	assert.Contains(t, err.Error(), "no symbol candidates")
}
