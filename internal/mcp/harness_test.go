// ABOUTME: Shared test harness: a real gateway mux over httptest with a SQLite backend.
// ABOUTME: Provides Streamable HTTP and SSE clients that speak JSON-RPC.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/pool"
	"github.com/2389/tablegate/internal/session"
	"github.com/2389/tablegate/internal/store"
	"github.com/2389/tablegate/internal/tools"
)

var (
	standardUser   = auth.Principal{UserID: "github:1001", Login: "alice", Tier: auth.TierStandard}
	privilegedUser = auth.Principal{UserID: "github:1002", Login: "octocat", Tier: auth.TierPrivileged}
)

type harness struct {
	srv         *httptest.Server
	issuer      *auth.TokenIssuer
	store       *store.MockStore
	backend     *pool.Manager
	backendDown *atomic.Bool
	sessions    *session.Manager
	sse         *SSE
}

func newHarness(t *testing.T, catalog session.Capabilities) *harness {
	t.Helper()
	if catalog == nil {
		catalog = tools.DefaultCatalog()
	}

	down := &atomic.Bool{}
	backend := pool.NewManager(pool.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "backend.db"),
	}, pool.WithOpener(func(cfg pool.Config) (*sql.DB, error) {
		if down.Load() {
			return nil, errors.New("backend unreachable")
		}
		return pool.SQLOpener(cfg)
	}))

	ctx := context.Background()
	_, err := backend.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = backend.Exec(ctx, `INSERT INTO widgets (name) VALUES ('sprocket'), ('gear')`)
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer([]byte("mcp-test-secret-0123456789"), "tablegate-test", time.Hour)
	require.NoError(t, err)

	st := store.NewMockStore()
	sessions := session.NewManager(session.Config{IdleTimeout: time.Hour}, catalog, backend, st)
	dispatcher := NewDispatcher("tablegate", "test", nil)
	sse := NewSSE(sessions, dispatcher, "/sse/message", nil, WithKeepAlive(50*time.Millisecond))

	requireAuth := auth.RequirePrincipal(auth.NewAuthenticator(issuer, st), "http://gateway.test", nil)
	mux := http.NewServeMux()
	mux.Handle("/mcp", requireAuth(NewStreamable(sessions, dispatcher, nil)))
	mux.Handle("/sse", requireAuth(http.HandlerFunc(sse.HandleStream)))
	mux.Handle("/sse/message", requireAuth(http.HandlerFunc(sse.HandleMessage)))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
	})

	return &harness{
		srv:         srv,
		issuer:      issuer,
		store:       st,
		backend:     backend,
		backendDown: down,
		sessions:    sessions,
		sse:         sse,
	}
}

func (h *harness) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	issued, err := auth.Mint(context.Background(), h.issuer, h.store, p)
	require.NoError(t, err)
	return issued.Token
}

// rpcReply is a decoded JSON-RPC response with the result left raw.
type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

type toolsListResult struct {
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func rpc(id int, method string, params any) map[string]any {
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return msg
}

func callTool(id int, name string, args map[string]any) map[string]any {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	return rpc(id, "tools/call", params)
}

func toolNames(t *testing.T, reply rpcReply) []string {
	t.Helper()
	require.Nil(t, reply.Error)
	var list toolsListResult
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	names := make([]string, len(list.Tools))
	for i, tl := range list.Tools {
		names[i] = tl.Name
	}
	return names
}

// post sends one message to /mcp.
func (h *harness) post(t *testing.T, token, sessionID string, msg any) (*http.Response, rpcReply) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return resp, reply
}

// initialize opens a Streamable HTTP session and returns its id.
func (h *harness) initialize(t *testing.T, token string) string {
	t.Helper()
	resp, reply := h.post(t, token, "", rpc(1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, reply.Error)
	id := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, id)
	return id
}

type sseEvent struct {
	name string
	data string
}

type sseClient struct {
	h        *harness
	token    string
	endpoint string
	events   chan sseEvent
}

// openSSE connects to /sse and waits for the endpoint event.
func (h *harness) openSSE(t *testing.T, token string) *sseClient {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })

	c := &sseClient{h: h, token: token, events: make(chan sseEvent, 64)}
	go func() {
		defer close(c.events)
		reader := bufio.NewReader(resp.Body)
		var ev sseEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ev.name != "" || ev.data != "" {
					c.events <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	first := c.next(t)
	require.Equal(t, "endpoint", first.name)
	require.True(t, strings.HasPrefix(first.data, "/sse/message?sessionId="), first.data)
	c.endpoint = first.data
	return c
}

func (c *sseClient) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func (c *sseClient) sessionID() string {
	return strings.TrimPrefix(c.endpoint, "/sse/message?sessionId=")
}

// send posts one message and returns the HTTP status.
func (c *sseClient) send(t *testing.T, token string, msg any) int {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, c.h.srv.URL+c.endpoint, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.h.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// call posts a request and reads its response from the stream.
func (c *sseClient) call(t *testing.T, msg any) rpcReply {
	t.Helper()
	require.Equal(t, http.StatusAccepted, c.send(t, c.token, msg))

	for {
		ev := c.next(t)
		if ev.name != "message" {
			continue
		}
		var reply rpcReply
		require.NoError(t, json.Unmarshal([]byte(ev.data), &reply))
		return reply
	}
}
