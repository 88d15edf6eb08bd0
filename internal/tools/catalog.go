// ABOUTME: Statically declared tool catalog and tier-based visibility filtering.
// ABOUTME: Hidden and nonexistent tools are reported with the same error.

package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/pool"
)

// ErrDuplicateTool indicates two capabilities share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Executor runs SQL against the backend. pool.Manager satisfies it.
type Executor interface {
	Query(ctx context.Context, query string, args ...any) (*pool.QueryResult, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Handler executes one tool call. Problems with the caller's input or the SQL
// itself are returned as error results; a non-nil error means the backend
// could not be reached.
type Handler func(ctx context.Context, db Executor, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Capability is a tool descriptor bound to its handler and minimum tier.
type Capability struct {
	Tool    mcp.Tool
	MinTier auth.Tier
	Handler Handler
}

// Name returns the tool name.
func (c Capability) Name() string {
	return c.Tool.Name
}

// CapabilityDeniedError reports a call to a tool outside the caller's visible
// set. The message does not say whether the tool exists.
type CapabilityDeniedError struct {
	Name string
}

func (e *CapabilityDeniedError) Error() string {
	return "unknown tool: " + e.Name
}

// IsCapabilityDenied reports whether err is a CapabilityDeniedError.
func IsCapabilityDenied(err error) bool {
	var target *CapabilityDeniedError
	return errors.As(err, &target)
}

// Catalog is an immutable, ordered list of capabilities.
type Catalog struct {
	caps []Capability
}

// NewCatalog validates and freezes the declared capabilities in order.
func NewCatalog(caps ...Capability) (*Catalog, error) {
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		if c.Tool.Name == "" {
			return nil, errors.New("capability has no name")
		}
		if _, dup := seen[c.Tool.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, c.Tool.Name)
		}
		seen[c.Tool.Name] = struct{}{}
		if !c.MinTier.Valid() {
			return nil, fmt.Errorf("capability %s: unknown tier %q", c.Tool.Name, c.MinTier)
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("capability %s: no handler", c.Tool.Name)
		}
	}

	out := make([]Capability, len(caps))
	copy(out, caps)
	return &Catalog{caps: out}, nil
}

// DefaultCatalog declares listTables, queryDatabase and executeDatabase.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(ListTables(), QueryDatabase(), ExecuteDatabase())
	if err != nil {
		panic(err)
	}
	return c
}

// All returns every declared capability in order.
func (c *Catalog) All() []Capability {
	out := make([]Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

// Visible returns the capabilities whose minimum tier the principal meets,
// in declared order. Capabilities above the tier are omitted.
func (c *Catalog) Visible(p auth.Principal) ([]Capability, error) {
	if !p.Tier.Valid() {
		return nil, fmt.Errorf("principal %s: unknown tier %q", p.UserID, p.Tier)
	}

	visible := make([]Capability, 0, len(c.caps))
	for _, capability := range c.caps {
		if p.Tier.Allows(capability.MinTier) {
			visible = append(visible, capability)
		}
	}
	return visible, nil
}

// Lookup finds name in a visible set.
func Lookup(visible []Capability, name string) (Capability, error) {
	for _, c := range visible {
		if c.Tool.Name == name {
			return c, nil
		}
	}
	return Capability{}, &CapabilityDeniedError{Name: name}
}

// Tools extracts the MCP tool descriptors from a capability set.
func Tools(caps []Capability) []mcp.Tool {
	out := make([]mcp.Tool, len(caps))
	for i, c := range caps {
		out[i] = c.Tool
	}
	return out
}
