package embed

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache is the persistent content-addressed embedding cache:
// sha256(text) -> vector. Entries never mutate in place; the cache is
// append-only within a process.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	path    string
	dirty   bool
}

// NewCache creates an empty cache persisted at path.
func NewCache(path string) *Cache {
	return &Cache{
		entries: make(map[string][]float32),
		path:    path,
	}
}

// OpenCache loads the cache file at path, returning an empty cache if the
// file does not exist yet.
func OpenCache(path string) (*Cache, error) {
	c := NewCache(path)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(&c.entries); err != nil {
		return nil, fmt.Errorf("decode embedding cache: %w", err)
	}
	return c, nil
}

// Get returns the cached vector for a content hash.
func (c *Cache) Get(hash string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[hash]
	return vec, ok
}

// Put stores a vector under its content hash. Writes are idempotent: the key
// is the content hash, so a second write carries the same value.
func (c *Cache) Put(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[hash]; exists {
		return
	}
	c.entries[hash] = vec
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save persists the cache atomically (temp file, fsync, rename). A clean
// cache is not rewritten.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpPath := c.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(c.entries); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode embedding cache: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync embedding cache: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close embedding cache: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename embedding cache: %w", err)
	}
	c.dirty = false
	return nil
}
