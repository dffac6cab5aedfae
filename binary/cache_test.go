package binary

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLib(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "libgui.so")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSymbolCacheOrder(t *testing.T) {
	lib := writeLib(t, t.TempDir(), "ELF")
	c, err := NewSymbolCache(8)
	require.NoError(t, err)

	candidates := []string{"primary", "secondary", "tertiary"}
	assert.Equal(t, candidates, c.Order(lib, candidates))

	c.Remember(lib, "tertiary")
	assert.Equal(t, []string{"tertiary", "primary", "secondary"}, c.Order(lib, candidates))

	// A remembered symbol outside the candidate list is ignored.
	c.Remember(lib, "unknown")
	assert.Equal(t, candidates, c.Order(lib, candidates))

	c.Remember(lib, "secondary")
	c.Forget(lib)
	assert.Equal(t, candidates, c.Order(lib, candidates))
}

func TestSymbolCacheInvalidatedByLibraryChange(t *testing.T) {
	dir := t.TempDir()
	lib := writeLib(t, dir, "ELF v1")
	c, err := NewSymbolCache(8)
	require.NoError(t, err)

	c.Remember(lib, "secondary")
	sym, ok := c.Preferred(lib)
	require.True(t, ok)
	assert.Equal(t, "secondary", sym)

	writeLib(t, dir, "ELF v2 with a different size")
	require.NoError(t, os.Chtimes(lib, time.Now(), time.Now().Add(time.Hour)))

	_, ok = c.Preferred(lib)
	assert.False(t, ok)
}

func TestSymbolCacheMissingLibrary(t *testing.T) {
	c, err := NewSymbolCache(8)
	require.NoError(t, err)

	missing := filepath.Join(t.TempDir(), "nope.so")
	c.Remember(missing, "primary")
	_, ok := c.Preferred(missing)
	assert.False(t, ok)
}

func TestNilSymbolCacheOrder(t *testing.T) {
	var c *SymbolCache
	assert.Equal(t, []string{"a", "b"}, c.Order("/lib", []string{"a", "b"}))
}

func TestNewSymbolCacheRejectsZeroSize(t *testing.T) {
	_, err := NewSymbolCache(0)
	assert.Error(t, err)
}
