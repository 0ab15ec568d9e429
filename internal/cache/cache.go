// Package cache provides the content-addressed result cache used to skip
// generator calls whose inputs have not changed. Keys are derived from the
// acting role, a canonical fingerprint of the inputs, and the capability
// exercised, so any drift in context produces a different key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"forge/internal/logging"
)

// DefaultCapacity is the entry bound used when the caller does not set one.
const DefaultCapacity = 128

// Key derives the cache key for one generator invocation. fingerprint must
// already be canonical; use Fingerprint for map-shaped inputs.
func Key(role, fingerprint, capability string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(capability))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint canonicalizes input material into a deterministic string.
// Map keys are sorted so two logically equal inputs always fingerprint the
// same way.
func Fingerprint(parts map[string]string) string {
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, parts[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a bounded LRU keyed by content hash. The zero value is not usable;
// use New.
type Cache[V any] struct {
	lru    *lru.Cache[string, V]
	logger logging.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New[V any](capacity int, logger logging.Logger) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[string, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache[V]{lru: inner, logger: logging.OrNop(logger)}, nil
}

// Get returns the cached value for key and whether it was present. Hits
// refresh recency.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns the hit and miss counts since creation or the last load.
func (c *Cache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// persistEntry is one row of the on-disk form, ordered oldest first so a
// reload preserves recency.
type persistEntry[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

// Persist writes the cache contents to path as JSON, oldest entry first.
func (c *Cache[V]) Persist(path string) error {
	keys := c.lru.Keys()
	entries := make([]persistEntry[V], 0, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			entries = append(entries, persistEntry[V]{Key: k, Value: v})
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

// Load restores persisted entries into the cache. A missing file is not an
// error; a corrupt file is discarded with a warning and the cache starts
// empty.
func (c *Cache[V]) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache: read: %w", err)
	}
	var entries []persistEntry[V]
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache: discarding corrupt cache file %s: %v", path, err)
		return nil
	}
	for _, e := range entries {
		c.lru.Add(e.Key, e.Value)
	}
	return nil
}
