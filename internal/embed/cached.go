package embed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the number of query embeddings kept in memory.
const DefaultQueryCacheSize = 1000

// CachedEmbedder wraps an Embedder with the persistent content-hash cache.
// Only texts missing from the cache are sent to the inner embedder; results
// are assembled in input order. Cache hits return the stored vector, so a hit
// is bit-identical to the original miss.
type CachedEmbedder struct {
	inner Embedder
	cache *Cache
}

// NewCachedEmbedder creates a cached embedder over the given cache.
func NewCachedEmbedder(inner Embedder, cache *Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

var _ Embedder = (*CachedEmbedder)(nil)

// Embed returns the cached embedding if available, otherwise computes and
// caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts through the cache, preserving input order.
func (c *CachedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(ContentHash(text)); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedMany(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range uncachedIndices {
		results[idx] = fresh[j]
		c.cache.Put(ContentHash(texts[idx]), fresh[j])
	}

	return results, nil
}

// ModelName returns the inner model identifier.
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// QueryEmbedder adds an in-memory LRU in front of an Embedder for repeated
// query texts, saving a round trip for popular questions.
type QueryEmbedder struct {
	inner Embedder
	lru   *lru.Cache[string, []float32]
}

// NewQueryEmbedder creates a query embedder with the given LRU capacity.
func NewQueryEmbedder(inner Embedder, size int) *QueryEmbedder {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &QueryEmbedder{inner: inner, lru: cache}
}

var _ Embedder = (*QueryEmbedder)(nil)

// Embed returns the LRU-cached embedding if present.
func (q *QueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentHash(text)
	if vec, ok := q.lru.Get(key); ok {
		return vec, nil
	}

	vec, err := q.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	q.lru.Add(key, vec)
	return vec, nil
}

// EmbedMany passes through to the inner embedder.
func (q *QueryEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	return q.inner.EmbedMany(ctx, texts)
}

// ModelName returns the inner model identifier.
func (q *QueryEmbedder) ModelName() string {
	return q.inner.ModelName()
}
