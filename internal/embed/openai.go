package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible embedding backend.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Retry     RetryConfig
}

// OpenAIEmbedder generates embeddings through an OpenAI-compatible HTTP API.
type OpenAIEmbedder struct {
	client openai.Client
	config OpenAIConfig
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates the embedding backend. The SDK's built-in retry
// is disabled; retry policy lives in DoWithRetry so 4xx failures other than
// 429 fail fast.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, qaerrors.APIConfigError("embedding API base URL and key are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	)

	return &OpenAIEmbedder{client: client, config: cfg}, nil
}

// Embed generates the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany generates embeddings in input order, batching requests.
func (e *OpenAIEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

// embedBatch issues one API call with retry for a batch of texts.
func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32

	err := DoWithRetry(ctx, e.config.Retry, func() error {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
			Model: openai.EmbeddingModel(e.config.Model),
		})
		if err != nil {
			return classifyAPIError(err)
		}

		if len(resp.Data) != len(batch) {
			return qaerrors.ProtocolError(
				fmt.Sprintf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch)), nil)
		}

		out := make([][]float32, len(batch))
		for _, item := range resp.Data {
			idx := int(item.Index)
			if idx < 0 || idx >= len(batch) {
				return qaerrors.ProtocolError(fmt.Sprintf("embedding response index %d out of range", idx), nil)
			}
			vec := make([]float32, len(item.Embedding))
			for i, v := range item.Embedding {
				vec[i] = float32(v)
			}
			out[idx] = vec
		}
		for i, vec := range out {
			if vec == nil {
				return qaerrors.ProtocolError(fmt.Sprintf("embedding response missing vector for input %d", i), nil)
			}
		}
		vecs = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// ModelName returns the embedding model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// classifyAPIError maps SDK errors onto the error taxonomy: 429 and 5xx are
// retryable transport errors, other 4xx fail fast, anything else (network,
// decode) is a transport error.
func classifyAPIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return qaerrors.Wrap(qaerrors.ErrCodeAPIRateLimit, err)
		case apierr.StatusCode >= 500:
			return qaerrors.Wrap(qaerrors.ErrCodeAPITransport, err)
		case apierr.StatusCode >= 400:
			return qaerrors.Wrap(qaerrors.ErrCodeAPIProtocol, err)
		}
	}
	return qaerrors.Wrap(qaerrors.ErrCodeAPITransport, err)
}
