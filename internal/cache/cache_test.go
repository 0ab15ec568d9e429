package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDerivation(t *testing.T) {
	k1 := Key("DEVELOPER", "fp-a", "implementation")
	k2 := Key("DEVELOPER", "fp-a", "implementation")
	assert.Equal(t, k1, k2, "same inputs, same key")

	assert.NotEqual(t, k1, Key("ARCHITECT", "fp-a", "implementation"))
	assert.NotEqual(t, k1, Key("DEVELOPER", "fp-b", "implementation"))
	assert.NotEqual(t, k1, Key("DEVELOPER", "fp-a", "repair"))
	assert.Len(t, k1, 64)
}

func TestFingerprintOrderIndependence(t *testing.T) {
	a := Fingerprint(map[string]string{"x": "1", "y": "2", "z": "3"})
	b := Fingerprint(map[string]string{"z": "3", "x": "1", "y": "2"})
	assert.Equal(t, a, b, "map iteration order never changes the fingerprint")

	c := Fingerprint(map[string]string{"x": "1", "y": "2", "z": "changed"})
	assert.NotEqual(t, a, c)
}

func TestGetSet(t *testing.T) {
	c, err := New[string](4, nil)
	require.NoError(t, err)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRUEviction(t *testing.T) {
	const capacity = 3
	c, err := New[int](capacity, nil)
	require.NoError(t, err)

	for i := 0; i < capacity+1; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, capacity, c.Len())

	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry evicted at capacity+1")
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestGetRefreshesRecency(t *testing.T) {
	c, err := New[int](2, nil)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // a becomes most recent
	c.Set("c", 3)     // evicts b

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestPersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache", "results.json")

	c, err := New[string](8, nil)
	require.NoError(t, err)
	c.Set("k1", "v1")
	c.Set("k2", "v2")
	require.NoError(t, c.Persist(path))

	reloaded, err := New[string](8, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(path))
	assert.Equal(t, 2, reloaded.Len())

	v, ok := reloaded.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestLoadPreservesRecencyOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.json")

	c, err := New[int](4, nil)
	require.NoError(t, err)
	c.Set("old", 1)
	c.Set("mid", 2)
	c.Set("new", 3)
	require.NoError(t, c.Persist(path))

	reloaded, err := New[int](3, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(path))

	// One insert evicts exactly the oldest persisted entry.
	reloaded.Set("extra", 4)
	_, ok := reloaded.Get("old")
	assert.False(t, ok)
	_, ok = reloaded.Get("new")
	assert.True(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	c, err := New[string](4, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Load(filepath.Join(t.TempDir(), "absent.json")))
	assert.Equal(t, 0, c.Len())
}

func TestLoadCorruptFileDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c, err := New[string](4, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Load(path), "corrupt file is discarded, not fatal")
	assert.Equal(t, 0, c.Len())
}
