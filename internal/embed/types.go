// Package embed wraps the remote embedding API with retry, rate-limit
// awareness, and a persistent content-hash cache.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the number of texts sent per API request.
	DefaultBatchSize = 32

	// DefaultMaxAttempts is the total number of tries per batch, including
	// the first.
	DefaultMaxAttempts = 5
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedMany generates embeddings for multiple texts, preserving input
	// order in the result.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName returns the model identifier.
	ModelName() string
}

// ContentHash returns the sha256 hex digest used as the cache key for a text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
