// Package chat wraps the OpenAI-compatible chat completion API in a small
// streaming capability: a lazy, finite, non-restartable sequence of deltas
// that cancels when the reader stops.
package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

// Message is one chat turn.
type Message struct {
	Role    string // "system" or "user"
	Content string
}

// RoleSystem and RoleUser are the roles the query pipeline emits.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Stream is a finite sequence of content deltas. Next advances and reports
// whether a delta is available; Err reports why iteration stopped, nil on a
// clean end of stream.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Streamer opens streaming chat completions.
type Streamer interface {
	StreamChat(ctx context.Context, messages []Message) (Stream, error)
	ModelName() string
}

// Config configures the OpenAI-compatible chat backend.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAIStreamer implements Streamer against an OpenAI-compatible API.
type OpenAIStreamer struct {
	client openai.Client
	model  string
}

var _ Streamer = (*OpenAIStreamer)(nil)

// NewOpenAIStreamer creates the chat backend.
func NewOpenAIStreamer(cfg Config) (*OpenAIStreamer, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, qaerrors.APIConfigError("chat API base URL and key are required")
	}

	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
	)
	return &OpenAIStreamer{client: client, model: cfg.Model}, nil
}

// StreamChat opens a streaming completion for the given messages.
func (s *OpenAIStreamer) StreamChat(ctx context.Context, messages []Message) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	return &openaiStream{inner: s.client.Chat.Completions.NewStreaming(ctx, params)}, nil
}

// ModelName returns the chat model identifier.
func (s *OpenAIStreamer) ModelName() string {
	return s.model
}

// openaiStream adapts the SDK stream to the Stream interface, skipping
// chunks without content deltas (role frames, usage frames).
type openaiStream struct {
	inner   *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *openaiStream) Next() bool {
	for s.inner.Next() {
		chunk := s.inner.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			s.current = delta
			return true
		}
	}
	return false
}

func (s *openaiStream) Current() string {
	return s.current
}

func (s *openaiStream) Err() error {
	if err := s.inner.Err(); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}

// ClassifyError maps SDK errors onto the error taxonomy.
func ClassifyError(err error) error {
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
