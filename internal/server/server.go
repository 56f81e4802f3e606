// Package server accepts WebSocket connections, validates JSON messages, and
// routes them to the query pipeline or the status responder.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamerlzl/markdown-qa/internal/index"
	"github.com/dreamerlzl/markdown-qa/internal/query"
)

// Server is the WebSocket front end.
type Server struct {
	pipeline  *query.Pipeline
	manager   *index.Manager
	indexName string

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a server over the given pipeline and index manager.
func New(pipeline *query.Pipeline, manager *index.Manager, indexName string) *Server {
	return &Server{
		pipeline:  pipeline,
		manager:   manager,
		indexName: indexName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are local clients; no origin policy (see Non-goals).
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ListenAndServe serves ws://host:port until the context is cancelled, then
// closes active connections. Their handlers are not waited for; a message
// still being answered when its connection closes is cut off.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWS)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("websocket server listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.closeAll()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket server failed: %w", err)
	}
}

// HandleWS upgrades one HTTP request and runs its connection loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()

	s.connLoop(r.Context(), conn)
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// connLoop reads messages in order; a second query cannot start while the
// first is still streaming because dispatch is synchronous.
func (s *Server) connLoop(ctx context.Context, conn *websocket.Conn) {
	sink := &wsEmitter{conn: conn}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("connection closed", slog.String("error", err.Error()))
			}
			return
		}

		if msgType != websocket.TextMessage {
			_ = sink.sendError("only JSON text frames are accepted")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sink.sendError("malformed JSON message: " + err.Error())
			continue
		}

		switch msg.Type {
		case TypeQuery:
			s.handleQuery(ctx, msg, sink)
		case TypeStatus:
			s.handleStatus(sink)
		default:
			_ = sink.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

// handleQuery validates and dispatches one query. Errors are emitted as
// protocol messages; the connection stays open.
func (s *Server) handleQuery(ctx context.Context, msg ClientMessage, sink *wsEmitter) {
	question := strings.TrimSpace(msg.Question)
	if question == "" {
		_ = sink.sendError("question must be a non-empty string")
		return
	}

	// A single index is loaded; another name is ignored for forward
	// compatibility.
	if msg.Index != "" && msg.Index != s.indexName {
		slog.Warn("ignoring unknown index in query",
			slog.String("requested", msg.Index), slog.String("loaded", s.indexName))
	}

	if err := s.pipeline.Answer(ctx, question, sink); err != nil {
		// Emitter write failures mean the peer is gone; nothing to send.
		slog.Debug("query aborted", slog.String("error", err.Error()))
	}
}

// handleStatus replies with a single status message.
func (s *Server) handleStatus(sink *wsEmitter) {
	var message string
	status := s.manager.Status()
	switch status {
	case index.StatusIndexing:
		message = "index build in progress"
	case index.StatusNotReady:
		message = "no index loaded yet"
	}
	_ = sink.send(newStatus(string(status), message))
}

// wsEmitter serializes JSON writes to one connection and adapts it to the
// query.Emitter phase interface.
type wsEmitter struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (e *wsEmitter) send(v any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(v)
}

func (e *wsEmitter) sendError(message string) error {
	return e.send(newError(message))
}

// StreamStart implements query.Emitter.
func (e *wsEmitter) StreamStart() error {
	return e.send(newStreamStart())
}

// StreamChunk implements query.Emitter.
func (e *wsEmitter) StreamChunk(text string) error {
	return e.send(newStreamChunk(text))
}

// StreamEnd implements query.Emitter.
func (e *wsEmitter) StreamEnd(sources []string) error {
	return e.send(newStreamEnd(sources))
}

// Error implements query.Emitter.
func (e *wsEmitter) Error(message string) error {
	return e.sendError(message)
}
