// ABOUTME: Registry of live session agents with resumption and the idle sweeper.
// ABOUTME: The sweeper is the only source of idle cleanup.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/metrics"
	"github.com/2389/tablegate/internal/store"
)

// Config controls session lifetimes.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager owns every live Agent.
type Manager struct {
	cfg     Config
	catalog Capabilities
	pool    Pool
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	agents map[string]*Agent
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(cfg Config, catalog Capabilities, p Pool, st Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		catalog: catalog,
		pool:    p,
		store:   st,
		logger:  slog.Default(),
		now:     time.Now,
		agents:  make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sessions")
	return m
}

// Create opens a new uninitialized session for p.
func (m *Manager) Create(ctx context.Context, p auth.Principal, transport string) (*Agent, error) {
	a := newAgent(uuid.New().String(), transport, p, m)

	rec := &store.SessionRecord{
		ID:           a.id,
		UserID:       p.UserID,
		Tier:         string(p.Tier),
		Transport:    transport,
		CreatedAt:    a.createdAt,
		LastActiveAt: a.createdAt,
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	m.mu.Lock()
	m.agents[a.id] = a
	m.mu.Unlock()

	m.metrics.SessionOpened(transport)
	m.logger.Info("session created",
		"session_id", a.id,
		"user_id", p.UserID,
		"transport", transport,
	)
	return a, nil
}

// Resolve returns the live agent for id, resuming it from the store after a
// restart. Closed sessions are never reopened.
func (m *Manager) Resolve(ctx context.Context, id string, p auth.Principal) (*Agent, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()

	if ok {
		if a.principal.UserID != p.UserID {
			return nil, ErrNotOwner
		}
		if a.State() >= StateCleaningUp {
			m.forget(a)
			return nil, ErrSessionClosed
		}
		return a, nil
	}

	rec, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if rec.UserID != p.UserID {
		return nil, ErrNotOwner
	}
	if rec.Closed() {
		return nil, ErrSessionClosed
	}

	return m.resume(rec, p), nil
}

// resume registers an agent for a persisted, still-open session. The visible
// set is recomputed from the principal presenting the request.
func (m *Manager) resume(rec *store.SessionRecord, p auth.Principal) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[rec.ID]; ok {
		return existing
	}

	a := newAgent(rec.ID, rec.Transport, p, m)
	a.createdAt = rec.CreatedAt
	m.agents[rec.ID] = a

	m.metrics.SessionOpened(rec.Transport)
	m.logger.Info("session resumed", "session_id", rec.ID, "user_id", p.UserID)
	return a
}

// Get returns a live agent without an ownership check.
func (m *Manager) Get(id string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	return a, ok
}

// Shutdown is the explicit shutdown path: it cleans up the session owned by p.
func (m *Manager) Shutdown(ctx context.Context, id string, p auth.Principal) error {
	a, err := m.Resolve(ctx, id, p)
	if err != nil {
		return err
	}
	a.Cleanup(ctx)
	m.forget(a)
	return nil
}

// Sweep fires the alarm hook on every live agent and drops the ones that
// closed. It returns how many agents were cleaned up by this sweep.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	cleaned := 0
	for _, a := range agents {
		if a.Alarm(ctx, now) {
			cleaned++
		}
		if a.State() == StateClosed {
			m.forget(a)
		}
	}

	if cleaned > 0 {
		m.logger.Info("idle sessions cleaned up", "count", cleaned)
	}
	return cleaned
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close suspends every live agent and closes the pool. Persisted sessions
// stay open so clients can resume them after a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	agents := m.agents
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()

	for _, a := range agents {
		a.suspend()
	}
	m.pool.ClosePool()
	m.logger.Info("session manager closed", "suspended", len(agents))
}

// Count returns the number of live agents.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

func (m *Manager) forget(a *Agent) {
	m.mu.Lock()
	if m.agents[a.id] == a {
		delete(m.agents, a.id)
	}
	m.mu.Unlock()
}
