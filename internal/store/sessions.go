// ABOUTME: Session record persistence so session agents survive a gateway restart
// ABOUTME: Closed sessions keep their row with closed_at set

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, r *SessionRecord) error {
	query := `
		INSERT INTO sessions (id, user_id, tier, transport, created_at, last_active_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active_at = excluded.last_active_at,
			closed_at = excluded.closed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.UserID,
		r.Tier,
		r.Transport,
		formatTime(r.CreatedAt),
		formatTime(r.LastActiveAt),
		formatTimePtr(r.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, user_id, tier, transport, created_at, last_active_at, closed_at
		FROM sessions
		WHERE id = ?
	`

	var r SessionRecord
	var createdAt, lastActiveAt string
	var closedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID,
		&r.UserID,
		&r.Tier,
		&r.Transport,
		&createdAt,
		&lastActiveAt,
		&closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if r.LastActiveAt, err = parseTime("last_active_at", lastActiveAt); err != nil {
		return nil, err
	}
	if r.ClosedAt, err = parseNullTime("closed_at", closedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// TouchSession updates last_active_at on an open session.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ? AND closed_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// MarkSessionClosed sets closed_at if it is not already set.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) MarkSessionClosed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = COALESCE(closed_at, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
