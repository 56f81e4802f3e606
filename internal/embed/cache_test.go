package embed

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.cache")

	c := NewCache(path)
	c.Put(ContentHash("alpha"), []float32{1, 2, 3})
	c.Put(ContentHash("bravo"), []float32{4, 5, 6})
	require.NoError(t, c.Save())

	loaded, err := OpenCache(path)
	require.NoError(t, err)

	assert.Equal(t, 2, loaded.Len())
	vec, ok := loaded.Get(ContentHash("alpha"))
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestOpenCacheMissingFile(t *testing.T) {
	c, err := OpenCache(filepath.Join(t.TempDir(), "nope.cache"))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCachePutDoesNotMutateExisting(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "emb.cache"))
	hash := ContentHash("alpha")

	c.Put(hash, []float32{1, 2, 3})
	c.Put(hash, []float32{9, 9, 9})

	vec, ok := c.Get(hash)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestCacheSaveIsIdempotentWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.cache")
	c := NewCache(path)
	c.Put(ContentHash("alpha"), []float32{1})
	require.NoError(t, c.Save())

	// No new writes: second save is a no-op and must not error.
	require.NoError(t, c.Save())
}
