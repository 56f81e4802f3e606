package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamerlzl/markdown-qa/internal/chat"
	"github.com/dreamerlzl/markdown-qa/internal/chunk"
	"github.com/dreamerlzl/markdown-qa/internal/config"
	"github.com/dreamerlzl/markdown-qa/internal/embed"
	"github.com/dreamerlzl/markdown-qa/internal/index"
	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
	"github.com/dreamerlzl/markdown-qa/internal/query"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (f fixedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

func (fixedEmbedder) ModelName() string { return "fixed" }

type scriptedStream struct {
	deltas []string
	pos    int
	err    error
}

func (s *scriptedStream) Next() bool {
	if s.pos < len(s.deltas) {
		s.pos++
		return true
	}
	return false
}

func (s *scriptedStream) Current() string { return s.deltas[s.pos-1] }
func (s *scriptedStream) Err() error      { return s.err }
func (s *scriptedStream) Close() error    { return nil }

type scriptedStreamer struct {
	deltas []string
	err    error
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, msgs []chat.Message) (chat.Stream, error) {
	return &scriptedStream{deltas: s.deltas, err: s.err}, nil
}

func (s *scriptedStreamer) ModelName() string { return "scripted" }

// testServer builds a served index over one notes.md file and returns a
// connected client.
func testServer(t *testing.T, streamer chat.Streamer) (*websocket.Conn, string) {
	t.Helper()

	docs := t.TempDir()
	notes := filepath.Join(docs, "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("Alpha Bravo Charlie"), 0o644))

	cfg := config.NewConfig()
	cfg.API.BaseURL = "https://api.example.com"
	cfg.API.APIKey = "sk-test"
	cfg.Server.Directories = config.StringList{docs}

	cacheDir := t.TempDir()
	cache := embed.NewCache(filepath.Join(cacheDir, "embeddings.cache"))
	mgr := index.NewManager(cacheDir, chunk.NewSplitter(chunk.Options{}), embed.NewCachedEmbedder(fixedEmbedder{}, cache), cache)
	require.NoError(t, mgr.FullRebuild(context.Background(), cfg))

	pipeline := query.New(mgr, fixedEmbedder{}, streamer, query.Options{})
	srv := New(pipeline, mgr, cfg.Server.IndexName)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, notes
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestStatusReady(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{deltas: []string{"hi"}})

	send(t, conn, map[string]string{"type": "status"})
	msg := readMessage(t, conn)

	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, "ready", msg["status"])
}

func TestQueryStreamPhases(t *testing.T) {
	conn, notes := testServer(t, &scriptedStreamer{deltas: []string{"Charlie ", "is third."}})

	send(t, conn, map[string]string{"type": "query", "question": "What is Charlie?"})

	msg := readMessage(t, conn)
	assert.Equal(t, "stream_start", msg["type"])

	msg = readMessage(t, conn)
	assert.Equal(t, "stream_chunk", msg["type"])
	assert.Equal(t, "Charlie ", msg["chunk"])

	msg = readMessage(t, conn)
	assert.Equal(t, "stream_chunk", msg["type"])

	msg = readMessage(t, conn)
	assert.Equal(t, "stream_end", msg["type"])
	sources, ok := msg["sources"].([]any)
	require.True(t, ok, "stream_end must carry sources")
	require.Len(t, sources, 1)
	assert.Equal(t, notes, sources[0])
}

func TestQueryMidStreamAPIFailure(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{
		deltas: []string{"one", "two", "three"},
		err:    qaerrors.TransportError("upstream dropped", nil),
	})

	send(t, conn, map[string]string{"type": "query", "question": "What is Charlie?"})

	assert.Equal(t, "stream_start", readMessage(t, conn)["type"])
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		assert.Equal(t, "stream_chunk", msg["type"])
	}

	// One sentinel chunk, then a normal stream_end.
	msg := readMessage(t, conn)
	assert.Equal(t, "stream_chunk", msg["type"])
	assert.True(t, strings.HasPrefix(msg["chunk"].(string), "[error] "))

	assert.Equal(t, "stream_end", readMessage(t, conn)["type"])
}

func TestEmptyQuestionKeepsConnectionOpen(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{deltas: []string{"hi"}})

	send(t, conn, map[string]string{"type": "query", "question": "   "})
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.NotEmpty(t, msg["message"])

	// The connection still answers the next message.
	send(t, conn, map[string]string{"type": "status"})
	assert.Equal(t, "status", readMessage(t, conn)["type"])
}

func TestMalformedJSON(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{deltas: []string{"hi"}})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])

	send(t, conn, map[string]string{"type": "status"})
	assert.Equal(t, "status", readMessage(t, conn)["type"])
}

func TestUnknownMessageType(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{deltas: []string{"hi"}})

	send(t, conn, map[string]string{"type": "subscribe"})
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "subscribe")
}

func TestUnknownIndexIsIgnored(t *testing.T) {
	conn, _ := testServer(t, &scriptedStreamer{deltas: []string{"hi"}})

	send(t, conn, map[string]string{"type": "query", "question": "q?", "index": "other"})
	assert.Equal(t, "stream_start", readMessage(t, conn)["type"])
}
