// ABOUTME: SSE transport: GET /sse holds an event stream bound to a new session,
// ABOUTME: POST /sse/message delivers JSON-RPC messages answered on that stream.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/session"
)

// DefaultKeepAlive is the interval between SSE comment frames.
const DefaultKeepAlive = 15 * time.Second

const streamBuffer = 16

// SSE serves the streaming transport. Both handlers must sit behind
// auth.RequirePrincipal.
type SSE struct {
	sessions    *session.Manager
	dispatcher  *Dispatcher
	logger      *slog.Logger
	messagePath string
	keepAlive   time.Duration

	mu      sync.Mutex
	streams map[string]*eventStream
}

// eventStream is the outbound side of one open GET /sse.
type eventStream struct {
	events chan []byte
	done   chan struct{}
}

// SSEOption configures the SSE transport.
type SSEOption func(*SSE)

// WithKeepAlive overrides DefaultKeepAlive.
func WithKeepAlive(d time.Duration) SSEOption {
	return func(s *SSE) { s.keepAlive = d }
}

// NewSSE creates the streaming transport. messagePath is advertised to
// clients in the endpoint event.
func NewSSE(sessions *session.Manager, dispatcher *Dispatcher, messagePath string, logger *slog.Logger, opts ...SSEOption) *SSE {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SSE{
		sessions:    sessions,
		dispatcher:  dispatcher,
		logger:      logger.With("transport", session.TransportSSE),
		messagePath: messagePath,
		keepAlive:   DefaultKeepAlive,
		streams:     make(map[string]*eventStream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStream opens the event stream.
func (s *SSE) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	agent, err := s.sessions.Create(r.Context(), p, session.TransportSSE)
	if err != nil {
		s.logger.Error("failed to create session", "user_id", p.UserID, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	detach := agent.Attach()
	defer detach()

	stream := &eventStream{
		events: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[agent.ID()] = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, agent.ID())
		s.mu.Unlock()
		close(stream.done)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// initial tick to open proxies
	_, _ = io.WriteString(w, ":\n\n")
	endpoint := s.messagePath + "?sessionId=" + url.QueryEscape(agent.ID())
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	s.logger.Info("SSE stream opened", "session_id", agent.ID(), "user_id", p.UserID)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE stream closed by client", "session_id", agent.ID())
			return
		case <-agent.Done():
			s.logger.Info("SSE stream ended with session", "session_id", agent.ID())
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		case data := <-stream.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// HandleMessage accepts one JSON-RPC message for an open stream and replies
// 202; the JSON-RPC response is delivered as a message event.
func (s *SSE) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing sessionId", http.StatusBadRequest)
		return
	}

	agent, err := s.sessions.Resolve(r.Context(), sessionID, p)
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	case errors.Is(err, session.ErrNotOwner):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		s.logger.Error("session lookup failed", "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	stream, ok := s.streams[sessionID]
	s.mu.Unlock()
	if !ok {
		// The stream that owned this session is gone.
		http.Error(w, "Not Found: no open stream for session", http.StatusNotFound)
		return
	}

	req, failure := readRequest(r)
	if failure != nil {
		writeJSON(w, http.StatusBadRequest, failure, s.logger)
		return
	}

	resp, _ := s.dispatcher.Dispatch(r.Context(), agent, req)
	if resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode JSON-RPC response", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		select {
		case stream.events <- data:
		case <-stream.done:
			http.Error(w, "Gone: stream closed", http.StatusGone)
			return
		case <-r.Context().Done():
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// OpenStreams returns the number of connected event streams.
func (s *SSE) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
