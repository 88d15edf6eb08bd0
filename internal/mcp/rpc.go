// ABOUTME: JSON-RPC 2.0 message types and the dispatcher shared by both transports.
// ABOUTME: Maps session and tool errors onto JSON-RPC codes and HTTP statuses.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/tablegate/internal/pool"
	"github.com/2389/tablegate/internal/session"
	"github.com/2389/tablegate/internal/tools"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var supportedProtocolVersions = func() map[string]bool {
	versions := map[string]bool{
		"2024-11-05": true,
		"2025-03-26": true,
		"2025-06-18": true,
	}
	versions[mcpgo.LATEST_PROTOCOL_VERSION] = true
	return versions
}()

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Dispatcher executes JSON-RPC methods against a session agent. It holds no
// per-session state; transports only decode, resolve the agent and encode.
type Dispatcher struct {
	info   mcpgo.Implementation
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher advertising the given server identity.
func NewDispatcher(name, version string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		info:   mcpgo.Implementation{Name: name, Version: version},
		logger: logger,
	}
}

// Dispatch handles one message. It returns a nil response for notifications.
// The status is the HTTP status a request/response transport should use.
func (d *Dispatcher) Dispatch(ctx context.Context, a *session.Agent, req *Request) (*Response, int) {
	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			d.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil, http.StatusAccepted
	}

	d.logger.Debug("MCP request", "method", req.Method, "session_id", a.ID())

	var (
		result any
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = d.initialize(ctx, a, req.Params)
	case "ping":
		result = struct{}{}
	case "tools/list":
		result, err = d.listTools(ctx, a)
	case "tools/call":
		result, err = d.callTool(ctx, a, req.Params)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found"), http.StatusOK
	}

	if err != nil {
		code, message, status := classify(err)
		if status >= http.StatusInternalServerError {
			d.logger.Error("MCP request failed", "method", req.Method, "session_id", a.ID(), "error", err)
		}
		return errorResponse(req.ID, code, message), status
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}, http.StatusOK
}

func (d *Dispatcher) initialize(ctx context.Context, a *session.Agent, raw json.RawMessage) (any, error) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &paramsError{msg: "invalid params"}
		}
	}
	if err := a.Init(ctx); err != nil {
		return nil, err
	}

	version := mcpgo.LATEST_PROTOCOL_VERSION
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": d.info,
	}, nil
}

func (d *Dispatcher) listTools(ctx context.Context, a *session.Agent) (any, error) {
	list, err := a.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return &mcpgo.ListToolsResult{Tools: list}, nil
}

func (d *Dispatcher) callTool(ctx context.Context, a *session.Agent, raw json.RawMessage) (any, error) {
	var params callToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &paramsError{msg: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &paramsError{msg: "tool name is required"}
	}

	var args map[string]any
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, &paramsError{msg: "arguments must be an object"}
		}
	}

	return a.CallTool(ctx, params.Name, args)
}

// paramsError is a malformed-params failure detected by the dispatcher.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

// classify maps an error onto a JSON-RPC code, a client-safe message and an
// HTTP status.
func classify(err error) (code int, message string, status int) {
	var (
		denied    *tools.CapabilityDeniedError
		poolErr   *pool.ResourcePoolError
		initErr   *session.InitError
		badParams *paramsError
	)
	switch {
	case errors.As(err, &denied):
		return CodeInvalidParams, denied.Error(), http.StatusOK
	case errors.As(err, &badParams):
		return CodeInvalidParams, badParams.msg, http.StatusOK
	case errors.As(err, &poolErr):
		return CodeInternalError, "database unavailable, retry later", http.StatusServiceUnavailable
	case errors.As(err, &initErr):
		return CodeInternalError, "session initialization failed", http.StatusInternalServerError
	case errors.Is(err, session.ErrSessionClosed):
		return CodeInvalidRequest, "session closed, re-initialize", http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeInternalError, "request timed out", http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return CodeInternalError, "request cancelled", http.StatusInternalServerError
	default:
		return CodeInternalError, "internal error", http.StatusInternalServerError
	}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// readRequest reads and validates one JSON-RPC message from the body. On
// failure it returns the response to send back instead.
func readRequest(r *http.Request) (*Request, *Response) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return nil, errorResponse(nil, CodeParseError, "failed to read request body")
	}
	if int64(len(body)) > MaxRequestBodySize {
		return nil, errorResponse(nil, CodeInvalidRequest, "request body too large")
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errorResponse(nil, CodeParseError, "invalid JSON")
	}
	if req.JSONRPC != "2.0" {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
	}
	if req.Method == "" {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
