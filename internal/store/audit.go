// ABOUTME: Tool call audit log recording who invoked which tool and how it ended
// ABOUTME: Entries are append-only; listing supports user, session, tool and time filters

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordToolCall appends a tool call to the audit log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, c *ToolCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tool_calls (id, session_id, user_id, tool, transport, outcome, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.SessionID,
		c.UserID,
		c.Tool,
		c.Transport,
		c.Outcome,
		nullString(c.Error),
		c.DurationMS,
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}

	s.logger.Debug("recorded tool call",
		"id", c.ID,
		"session", c.SessionID,
		"tool", c.Tool,
		"outcome", c.Outcome,
	)
	return nil
}

// normalizeToolCallLimit applies default (100) and cap (1000).
func normalizeToolCallLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// ListToolCalls returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error) {
	var conditions []string
	var args []any

	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Tool != "" {
		conditions = append(conditions, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}

	query := `
		SELECT id, session_id, user_id, tool, transport, outcome, error, duration_ms, created_at
		FROM tool_calls
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, normalizeToolCallLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		var c ToolCall
		var errText sql.NullString
		var createdAt string

		if err := rows.Scan(
			&c.ID,
			&c.SessionID,
			&c.UserID,
			&c.Tool,
			&c.Transport,
			&c.Outcome,
			&errText,
			&c.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}

		c.Error = errText.String
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool calls: %w", err)
	}

	return calls, nil
}
