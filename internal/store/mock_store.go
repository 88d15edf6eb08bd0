// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	principals map[string]*Principal     // keyed by user ID
	grants     map[string]*Grant         // keyed by grant ID
	sessions   map[string]*SessionRecord // keyed by session ID
	toolCalls  []*ToolCall

	// FailWrites, when set, is returned by every write method.
	FailWrites error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		principals: make(map[string]*Principal),
		grants:     make(map[string]*Grant),
		sessions:   make(map[string]*SessionRecord),
	}
}

// UpsertPrincipal stores or replaces a principal, keeping its CreatedAt.
func (m *MockStore) UpsertPrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	cp := *p
	if existing, ok := m.principals[p.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.principals[p.UserID] = &cp
	return nil
}

// GetPrincipal retrieves a principal by user ID.
func (m *MockStore) GetPrincipal(ctx context.Context, userID string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SaveGrant stores a new grant.
func (m *MockStore) SaveGrant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	if _, ok := m.grants[g.ID]; ok {
		return ErrDuplicateGrant
	}
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

// GetGrant retrieves a grant by ID.
func (m *MockStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGrants returns a user's grants, newest first.
func (m *MockStore) ListGrants(ctx context.Context, userID string) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Grant
	for _, g := range m.grants {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// RevokeGrant marks a grant revoked.
func (m *MockStore) RevokeGrant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	g, ok := m.grants[id]
	if !ok {
		return ErrNotFound
	}
	if g.RevokedAt == nil {
		now := time.Now().UTC()
		g.RevokedAt = &now
	}
	return nil
}

// PurgeExpiredGrants removes grants that expired before the given time.
func (m *MockStore) PurgeExpiredGrants(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, g := range m.grants {
		if g.ExpiresAt.Before(before) {
			delete(m.grants, id)
			n++
		}
	}
	return n, nil
}

// SaveSession stores or replaces a session record.
func (m *MockStore) SaveSession(ctx context.Context, r *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	cp := *r
	m.sessions[r.ID] = &cp
	return nil
}

// GetSession retrieves a session record by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// TouchSession updates last activity on an open session.
func (m *MockStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	if r, ok := m.sessions[id]; ok && r.ClosedAt == nil {
		r.LastActiveAt = at
	}
	return nil
}

// MarkSessionClosed sets the closed timestamp once.
func (m *MockStore) MarkSessionClosed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	r, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if r.ClosedAt == nil {
		r.ClosedAt = &at
	}
	return nil
}

// RecordToolCall appends a tool call.
func (m *MockStore) RecordToolCall(ctx context.Context, c *ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.toolCalls = append(m.toolCalls, &cp)
	return nil
}

// ListToolCalls returns matching tool calls, newest first.
func (m *MockStore) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeToolCallLimit(f.Limit)
	var out []*ToolCall
	for i := len(m.toolCalls) - 1; i >= 0 && len(out) < limit; i-- {
		c := m.toolCalls[i]
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		if f.Tool != "" && c.Tool != f.Tool {
			continue
		}
		if f.Since != nil && c.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
