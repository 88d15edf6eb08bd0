// ABOUTME: Session agent binding one principal to its visible tools and the shared pool.
// ABOUTME: Implements the init, cleanup and alarm lifecycle hooks.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/metrics"
	"github.com/2389/tablegate/internal/pool"
	"github.com/2389/tablegate/internal/store"
	"github.com/2389/tablegate/internal/tools"
)

// State is a session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateCleaningUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateCleaningUp:
		return "cleaning_up"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cleanup triggers, used as metric labels.
const (
	TriggerShutdown = "shutdown"
	TriggerIdle     = "idle"
	TriggerStop     = "stop"
)

// Transport names.
const (
	TransportStreamable = "streamable_http"
	TransportSSE        = "sse"
)

// Capabilities computes a principal's visible tool set. *tools.Catalog
// satisfies it.
type Capabilities interface {
	Visible(p auth.Principal) ([]tools.Capability, error)
}

// Pool is the slice of pool.Manager a session uses. An active session holds
// one reference, taken with Acquire and dropped with Release.
type Pool interface {
	tools.Executor
	Acquire()
	Release()
	ClosePool()
}

// Store is the persistence a session needs.
type Store interface {
	SaveSession(ctx context.Context, r *store.SessionRecord) error
	GetSession(ctx context.Context, id string) (*store.SessionRecord, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	MarkSessionClosed(ctx context.Context, id string, at time.Time) error
	RecordToolCall(ctx context.Context, c *store.ToolCall) error
}

// Agent is the per-client stateful unit. All methods are safe for
// concurrent use.
type Agent struct {
	id        string
	transport string
	principal auth.Principal
	createdAt time.Time

	catalog     Capabilities
	pool        Pool
	store       Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	idleTimeout time.Duration
	now         func() time.Time

	initMu sync.Mutex // serializes Init

	mu         sync.Mutex
	state      State
	visible    []tools.Capability
	lastActive time.Time
	streams    int
	inflight   int
	done       chan struct{}
}

func newAgent(id, transport string, p auth.Principal, m *Manager) *Agent {
	now := m.now()
	return &Agent{
		id:          id,
		transport:   transport,
		principal:   p,
		createdAt:   now,
		catalog:     m.catalog,
		pool:        m.pool,
		store:       m.store,
		logger:      m.logger.With("session_id", id, "user_id", p.UserID),
		metrics:     m.metrics,
		idleTimeout: m.cfg.IdleTimeout,
		now:         m.now,
		lastActive:  now,
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier.
func (a *Agent) ID() string { return a.id }

// Principal returns the identity the session is bound to.
func (a *Agent) Principal() auth.Principal { return a.principal }

// Transport returns the transport the session was opened on.
func (a *Agent) Transport() string { return a.transport }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the agent reaches StateClosed.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Init computes the visible capability set and moves the agent to active.
// Concurrent callers share one attempt. On failure the agent stays
// uninitialized and a later call retries.
func (a *Agent) Init(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	switch st {
	case StateActive:
		return nil
	case StateCleaningUp, StateClosed:
		return ErrSessionClosed
	}

	visible, err := a.computeVisible()
	if err != nil {
		a.logger.Error("session init failed", "error", err)
		return &InitError{SessionID: a.id, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateUninitialized {
		return ErrSessionClosed
	}
	a.visible = visible
	a.state = StateActive
	a.lastActive = a.now()
	a.pool.Acquire()

	a.logger.Info("session active",
		"login", a.principal.Login,
		"tier", a.principal.Tier,
		"tools", len(visible),
	)
	return nil
}

// computeVisible turns a panicking capability source into an error.
func (a *Agent) computeVisible() (visible []tools.Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("computing capabilities: panic: %v", r)
		}
	}()
	return a.catalog.Visible(a.principal)
}

// begin initializes the agent if needed, marks a dispatch in flight and
// returns the visible set.
func (a *Agent) begin(ctx context.Context) ([]tools.Capability, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.state != StateActive {
		a.mu.Unlock()
		return nil, ErrSessionClosed
	}
	a.inflight++
	a.lastActive = a.now()
	visible := a.visible
	a.mu.Unlock()

	a.touchStore(ctx)
	return visible, nil
}

func (a *Agent) end() {
	a.mu.Lock()
	a.inflight--
	a.lastActive = a.now()
	a.mu.Unlock()
}

func (a *Agent) touchStore(ctx context.Context) {
	if err := a.store.TouchSession(ctx, a.id, a.now()); err != nil {
		a.logger.Warn("failed to record session activity", "error", err)
	}
}

// ListTools returns the descriptors of the visible set.
func (a *Agent) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	visible, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer a.end()
	return tools.Tools(visible), nil
}

// CallTool dispatches one tool call. A name outside the visible set yields a
// *tools.CapabilityDeniedError; a backend outage yields a
// *pool.ResourcePoolError. Every attempt is audited.
func (a *Agent) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	visible, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer a.end()

	start := a.now()
	capability, err := tools.Lookup(visible, name)
	if err != nil {
		a.audit(ctx, name, store.ToolCallDenied, err, start)
		a.logger.Warn("tool call denied", "tool", name)
		return nil, err
	}

	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := capability.Handler(ctx, a.pool, req)
	switch {
	case err != nil:
		outcome := store.ToolCallPoolError
		if !isPoolFailure(err) {
			outcome = store.ToolCallToolError
		}
		a.audit(ctx, name, outcome, err, start)
		a.logger.Error("tool call failed", "tool", name, "error", err)
		return nil, err
	case res.IsError:
		a.audit(ctx, name, store.ToolCallToolError, errors.New(resultText(res)), start)
	default:
		a.audit(ctx, name, store.ToolCallOK, nil, start)
	}

	a.logger.Debug("tool call complete", "tool", name, "is_error", res.IsError)
	return res, nil
}

func (a *Agent) audit(ctx context.Context, tool, outcome string, callErr error, start time.Time) {
	elapsed := a.now().Sub(start)
	a.metrics.ToolCall(tool, outcome, elapsed)

	rec := &store.ToolCall{
		SessionID:  a.id,
		UserID:     a.principal.UserID,
		Tool:       tool,
		Transport:  a.transport,
		Outcome:    outcome,
		DurationMS: elapsed.Milliseconds(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	// The request context may already be done; the audit row should still land.
	if err := a.store.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("failed to record tool call", "tool", tool, "error", err)
	}
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if t, ok := c.(mcp.TextContent); ok {
			return t.Text
		}
	}
	return "tool error"
}

// Attach marks a streaming connection as holding the agent open. The returned
// func releases it and is safe to call more than once.
func (a *Agent) Attach() (detach func()) {
	a.mu.Lock()
	a.streams++
	a.lastActive = a.now()
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.streams--
			a.lastActive = a.now()
			a.mu.Unlock()
		})
	}
}

// Alarm is the scheduled wake-up hook. It runs cleanup when the agent has been
// idle for the idle timeout with no stream attached and no call in flight,
// and reports whether cleanup ran.
func (a *Agent) Alarm(ctx context.Context, now time.Time) bool {
	a.mu.Lock()
	idle := a.state <= StateActive &&
		a.streams == 0 &&
		a.inflight == 0 &&
		now.Sub(a.lastActive) >= a.idleTimeout
	if !idle {
		a.mu.Unlock()
		return false
	}
	heldPool := a.state == StateActive
	a.state = StateCleaningUp
	a.mu.Unlock()

	a.release(ctx, TriggerIdle, heldPool)
	return true
}

// Cleanup releases the agent's resources and moves it to closed. It is
// idempotent, never fails, and runs the release steps at most once.
func (a *Agent) Cleanup(ctx context.Context) {
	a.cleanup(ctx, TriggerShutdown)
}

func (a *Agent) cleanup(ctx context.Context, trigger string) bool {
	a.mu.Lock()
	if a.state == StateCleaningUp || a.state == StateClosed {
		a.mu.Unlock()
		return false
	}
	heldPool := a.state == StateActive
	a.state = StateCleaningUp
	a.mu.Unlock()

	a.release(ctx, trigger, heldPool)
	return true
}

// release runs the cleanup steps for an agent already in StateCleaningUp.
// Only agents that reached active hold a reference into the pool; the pool
// closes once the last one lets go.
func (a *Agent) release(ctx context.Context, trigger string, heldPool bool) {
	defer a.finish()

	ctx = context.WithoutCancel(ctx)
	if heldPool {
		a.step("release pool", func() error {
			a.pool.Release()
			return nil
		})
	}
	a.step("mark closed", func() error {
		return a.store.MarkSessionClosed(ctx, a.id, a.now())
	})

	a.metrics.SessionClosed(trigger)
	a.logger.Info("session closed", "trigger", trigger)
}

// suspend closes the in-memory agent without marking the persisted record
// closed, so the session can be resumed after a restart.
func (a *Agent) suspend() {
	a.mu.Lock()
	if a.state == StateCleaningUp || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	heldPool := a.state == StateActive
	a.state = StateCleaningUp
	a.mu.Unlock()

	if heldPool {
		a.step("release pool", func() error {
			a.pool.Release()
			return nil
		})
	}
	a.metrics.SessionClosed(TriggerStop)
	a.finish()
}

func (a *Agent) finish() {
	a.mu.Lock()
	a.state = StateClosed
	a.visible = nil
	a.mu.Unlock()
	close(a.done)
}

// step runs one release step, logging failures and panics as CleanupErrors.
func (a *Agent) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.logCleanupError(&CleanupError{SessionID: a.id, Step: name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		a.logCleanupError(&CleanupError{SessionID: a.id, Step: name, Err: err})
	}
}

func (a *Agent) logCleanupError(err *CleanupError) {
	a.logger.Error("session cleanup step failed", "step", err.Step, "error", err)
}

// isPoolFailure reports whether err means the backend could not be reached.
func isPoolFailure(err error) bool {
	return pool.IsResourcePoolError(err)
}
