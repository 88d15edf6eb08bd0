// ABOUTME: Streamable HTTP transport: one JSON-RPC request per POST on /mcp.
// ABOUTME: initialize opens a session and returns it in the Mcp-Session-Id header.

package mcp

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/session"
)

// Streamable HTTP headers.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

// Streamable serves the request/response transport. It must sit behind
// auth.RequirePrincipal.
type Streamable struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewStreamable creates the request/response transport.
func NewStreamable(sessions *session.Manager, dispatcher *Dispatcher, logger *slog.Logger) *Streamable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamable{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.With("transport", session.TransportStreamable),
	}
}

// ServeHTTP handles POST, GET and DELETE on the MCP endpoint.
func (s *Streamable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodGet:
		// No server-initiated stream on this endpoint; use /sse.
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Streamable) handlePost(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	req, failure := readRequest(r)
	if failure != nil {
		writeJSON(w, http.StatusBadRequest, failure, s.logger)
		return
	}

	if req.Method != "initialize" {
		if v := r.Header.Get(HeaderProtocolVersion); v != "" && !supportedProtocolVersions[v] {
			http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
			return
		}
	}

	var agent *session.Agent
	if req.Method == "initialize" {
		if req.IsNotification() {
			writeJSON(w, http.StatusBadRequest,
				errorResponse(nil, CodeInvalidRequest, "initialize must be a request"), s.logger)
			return
		}
		a, err := s.sessions.Create(r.Context(), p, session.TransportStreamable)
		if err != nil {
			s.logger.Error("failed to create session", "user_id", p.UserID, "error", err)
			writeJSON(w, http.StatusInternalServerError,
				errorResponse(req.ID, CodeInternalError, "failed to create session"), s.logger)
			return
		}
		agent = a
	} else {
		sessionID := r.Header.Get(HeaderSessionID)
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		a, err := s.sessions.Resolve(r.Context(), sessionID, p)
		if err != nil {
			s.writeResolveError(w, err)
			return
		}
		agent = a
	}

	resp, status := s.dispatcher.Dispatch(r.Context(), agent, req)

	if req.Method == "initialize" {
		if resp != nil && resp.Error != nil {
			// The session never became active; do not hand it out.
			if err := s.sessions.Shutdown(r.Context(), agent.ID(), p); err != nil {
				s.logger.Warn("failed to discard session", "session_id", agent.ID(), "error", err)
			}
		} else {
			w.Header().Set(HeaderSessionID, agent.ID())
		}
	}

	if resp == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, resp, s.logger)
}

// handleDelete is the explicit shutdown path.
func (s *Streamable) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	if err := s.sessions.Shutdown(r.Context(), sessionID, p); err != nil {
		s.writeResolveError(w, err)
		return
	}

	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// writeResolveError maps session lookup failures. Unknown and closed
// sessions are 404 so the client re-initializes with fresh credentials.
func (s *Streamable) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, session.ErrNotOwner):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		s.logger.Error("session lookup failed", "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	}
}
