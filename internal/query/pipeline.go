// Package query answers questions: embed, retrieve, prompt, and stream the
// generated answer back through a phase-ordered emitter.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dreamerlzl/markdown-qa/internal/chat"
	"github.com/dreamerlzl/markdown-qa/internal/embed"
	"github.com/dreamerlzl/markdown-qa/internal/index"
	"github.com/dreamerlzl/markdown-qa/internal/store"
)

// ErrorSentinel prefixes the final in-stream chunk when the chat API fails
// after streaming has begun, keeping the phase protocol valid for clients.
const ErrorSentinel = "[error] "

// NoContentAnswer is streamed when retrieval finds nothing relevant.
const NoContentAnswer = "No relevant content was found in the indexed documents for this question."

const systemPrompt = "You are a helpful assistant answering questions about the user's Markdown notes. " +
	"Answer using only the provided context. If the context does not contain the answer, say so plainly. " +
	"Cite no sources inline; they are attached separately."

// Emitter receives the stream phases for one query. Implementations must
// tolerate being called from the pipeline goroutine only.
type Emitter interface {
	StreamStart() error
	StreamChunk(text string) error
	StreamEnd(sources []string) error
	Error(message string) error
}

// Options tunes retrieval.
type Options struct {
	// TopK is the number of chunks retrieved per question.
	TopK int
	// MaxDistance drops hits farther than this distance. 0 disables.
	MaxDistance float64
}

// Pipeline wires the index manager, query embedder, and chat streamer.
type Pipeline struct {
	manager  *index.Manager
	embedder embed.Embedder
	streamer chat.Streamer
	opts     Options
}

// New creates a query pipeline.
func New(manager *index.Manager, embedder embed.Embedder, streamer chat.Streamer, opts Options) *Pipeline {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Pipeline{
		manager:  manager,
		embedder: embedder,
		streamer: streamer,
		opts:     opts,
	}
}

// Answer processes one validated question, emitting exactly one stream_start,
// zero or more stream_chunk, and one stream_end — or a single error before
// any stream_start.
func (p *Pipeline) Answer(ctx context.Context, question string, emitter Emitter) error {
	if p.manager.Status() != index.StatusReady {
		return emitter.Error("index not ready yet, try again shortly")
	}

	vec, err := p.embedder.Embed(ctx, question)
	if err != nil {
		slog.Error("failed to embed question", slog.String("error", err.Error()))
		return emitter.Error("failed to embed question: " + err.Error())
	}

	results, err := p.manager.Search(vec, p.opts.TopK)
	if err != nil {
		slog.Error("search failed", slog.String("error", err.Error()))
		return emitter.Error("search failed: " + err.Error())
	}

	results = p.applyThreshold(results)

	if len(results) == 0 {
		if err := emitter.StreamStart(); err != nil {
			return err
		}
		if err := emitter.StreamChunk(NoContentAnswer); err != nil {
			return err
		}
		return emitter.StreamEnd([]string{})
	}

	stream, err := p.streamer.StreamChat(ctx, buildMessages(question, results))
	if err != nil {
		slog.Error("failed to open chat stream", slog.String("error", err.Error()))
		return emitter.Error("chat request failed: " + err.Error())
	}
	defer stream.Close()

	sources := dedupeSources(results)

	if err := emitter.StreamStart(); err != nil {
		return err
	}

	for stream.Next() {
		if err := emitter.StreamChunk(stream.Current()); err != nil {
			// The reader dropped; abandon the stream.
			return err
		}
	}

	if err := stream.Err(); err != nil {
		// Already streaming: keep the phase protocol valid with a sentinel
		// chunk, then close the stream normally.
		slog.Error("chat stream failed mid-answer", slog.String("error", err.Error()))
		if err := emitter.StreamChunk(ErrorSentinel + err.Error()); err != nil {
			return err
		}
	}

	return emitter.StreamEnd(sources)
}

// applyThreshold drops results beyond the configured distance.
func (p *Pipeline) applyThreshold(results []store.Result) []store.Result {
	if p.opts.MaxDistance <= 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if float64(r.Distance) <= p.opts.MaxDistance {
			kept = append(kept, r)
		}
	}
	return kept
}

// buildMessages composes the chat prompt: the system instruction, the
// retrieved chunks with file attributions, and the user question.
func buildMessages(question string, results []store.Result) []chat.Message {
	var b strings.Builder
	b.WriteString("Context from the indexed documents:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "--- Source %d: %s ---\n", i+1, r.Chunk.FilePath)
		if len(r.Chunk.Headers) > 0 {
			titles := make([]string, len(r.Chunk.Headers))
			for j, h := range r.Chunk.Headers {
				titles[j] = h.Title
			}
			fmt.Fprintf(&b, "Section: %s\n", strings.Join(titles, " > "))
		}
		b.WriteString(r.Chunk.Text)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", question)

	return []chat.Message{
		{Role: chat.RoleSystem, Content: systemPrompt},
		{Role: chat.RoleUser, Content: b.String()},
	}
}

// dedupeSources returns the file paths of the retrieved chunks, first
// occurrence order preserved.
func dedupeSources(results []store.Result) []string {
	seen := make(map[string]bool, len(results))
	sources := make([]string, 0, len(results))
	for _, r := range results {
		if !seen[r.Chunk.FilePath] {
			seen[r.Chunk.FilePath] = true
			sources = append(sources, r.Chunk.FilePath)
		}
	}
	return sources
}
