// Package binary remembers which symbol variant attached for a given build of
// a shared library.
package binary

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
)

// SymbolCache provides efficient lookup of the last symbol that attached to a
// library, with LRU eviction. Entries are keyed by path, size and mtime so an
// OS update replacing the library invalidates them.
type SymbolCache struct {
	cache *lru.Cache
	stat  func(string) (os.FileInfo, error)
}

// NewSymbolCache creates a size-constrained symbol cache
func NewSymbolCache(size int) (*SymbolCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &SymbolCache{
		cache: cache,
		stat:  os.Stat,
	}, nil
}

func (c *SymbolCache) key(library string) (string, bool) {
	fi, err := c.stat(library)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d:%d", library, fi.Size(), fi.ModTime().UnixNano()), true
}

// Preferred returns the symbol that last attached to library, if known
func (c *SymbolCache) Preferred(library string) (string, bool) {
	if c == nil {
		return "", false
	}
	key, ok := c.key(library)
	if !ok {
		return "", false
	}
	v, found := c.cache.Get(key)
	if !found {
		return "", false
	}
	return v.(string), true
}

// Remember records that symbol attached to library
func (c *SymbolCache) Remember(library, symbol string) {
	if c == nil {
		return
	}
	if key, ok := c.key(library); ok {
		c.cache.Add(key, symbol)
	}
}

// Forget drops whatever is known about library
func (c *SymbolCache) Forget(library string) {
	if c == nil {
		return
	}
	if key, ok := c.key(library); ok {
		c.cache.Remove(key)
	}
}

// Order returns candidates with the preferred symbol for library moved to the
// front. The relative order of the other candidates is kept.
func (c *SymbolCache) Order(library string, candidates []string) []string {
	ordered := make([]string, 0, len(candidates))
	preferred, ok := c.Preferred(library)
	if !ok {
		return append(ordered, candidates...)
	}

	found := false
	for _, sym := range candidates {
		if sym == preferred {
			found = true
			break
		}
	}
	if !found {
		return append(ordered, candidates...)
	}

	ordered = append(ordered, preferred)
	for _, sym := range candidates {
		if sym != preferred {
			ordered = append(ordered, sym)
		}
	}
	return ordered
}
