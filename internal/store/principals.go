// ABOUTME: Principal persistence for identities minted by the OAuth broker
// ABOUTME: Upsert keeps created_at stable and refreshes profile fields on each login

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPrincipal inserts the principal or refreshes its profile and tier.
func (s *SQLiteStore) UpsertPrincipal(ctx context.Context, p *Principal) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastLoginAt.IsZero() {
		p.LastLoginAt = now
	}

	query := `
		INSERT INTO principals (user_id, login, name, email, tier, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			login = excluded.login,
			name = excluded.name,
			email = excluded.email,
			tier = excluded.tier,
			last_login_at = excluded.last_login_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.UserID,
		p.Login,
		nullString(p.Name),
		nullString(p.Email),
		p.Tier,
		formatTime(p.CreatedAt),
		formatTime(p.LastLoginAt),
	)
	if err != nil {
		return fmt.Errorf("upserting principal: %w", err)
	}

	s.logger.Debug("upserted principal", "user_id", p.UserID, "login", p.Login, "tier", p.Tier)
	return nil
}

// GetPrincipal retrieves a principal by user ID.
// Returns ErrNotFound if the principal doesn't exist.
func (s *SQLiteStore) GetPrincipal(ctx context.Context, userID string) (*Principal, error) {
	query := `
		SELECT user_id, login, name, email, tier, created_at, last_login_at
		FROM principals
		WHERE user_id = ?
	`

	var p Principal
	var name, email sql.NullString
	var createdAt, lastLoginAt string

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID,
		&p.Login,
		&name,
		&email,
		&p.Tier,
		&createdAt,
		&lastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}

	p.Name = name.String
	p.Email = email.String
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if p.LastLoginAt, err = parseTime("last_login_at", lastLoginAt); err != nil {
		return nil, err
	}

	return &p, nil
}
