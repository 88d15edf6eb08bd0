// ABOUTME: Store interface and data types for tablegate persistence
// ABOUTME: Defines principal, grant, session and tool call records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateGrant is returned when a grant with the same ID already exists
var ErrDuplicateGrant = errors.New("grant already exists")

// Principal is the persisted form of an authenticated identity.
type Principal struct {
	UserID      string // stable provider-scoped id, e.g. "github:1234"
	Login       string
	Name        string
	Email       string
	Tier        string // "standard" or "privileged"
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Grant records a minted bearer token so it can be checked and revoked.
type Grant struct {
	ID        string // JWT "jti"
	UserID    string
	Tier      string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the grant is unrevoked and unexpired at now.
func (g *Grant) Active(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}

// SessionRecord is the persisted state of a session agent, used to resume
// sessions after a gateway restart.
type SessionRecord struct {
	ID           string
	UserID       string
	Tier         string
	Transport    string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ClosedAt     *time.Time
}

// Closed reports whether the session has reached its terminal state.
func (r *SessionRecord) Closed() bool {
	return r.ClosedAt != nil
}

// Tool call outcomes.
const (
	ToolCallOK        = "ok"
	ToolCallToolError = "tool_error"
	ToolCallDenied    = "denied"
	ToolCallPoolError = "pool_error"
)

// ToolCall is an audit record of one tool invocation.
type ToolCall struct {
	ID         string
	SessionID  string
	UserID     string
	Tool       string
	Transport  string
	Outcome    string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// ToolCallFilter narrows ListToolCalls results.
type ToolCallFilter struct {
	UserID    string
	SessionID string
	Tool      string
	Since     *time.Time
	Limit     int // default 100, max 1000
}

// Store defines the persistence operations used by the gateway.
type Store interface {
	UpsertPrincipal(ctx context.Context, p *Principal) error
	GetPrincipal(ctx context.Context, userID string) (*Principal, error)

	SaveGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	ListGrants(ctx context.Context, userID string) ([]*Grant, error)
	RevokeGrant(ctx context.Context, id string) error
	PurgeExpiredGrants(ctx context.Context, before time.Time) (int64, error)

	SaveSession(ctx context.Context, r *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	MarkSessionClosed(ctx context.Context, id string, at time.Time) error

	RecordToolCall(ctx context.Context, c *ToolCall) error
	ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error)

	Close() error
}
