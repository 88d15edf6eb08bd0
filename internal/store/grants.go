// ABOUTME: Grant persistence backing bearer token validity and revocation
// ABOUTME: A token is honoured only while its grant exists, is unrevoked and unexpired

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveGrant stores a newly minted grant.
// Returns ErrDuplicateGrant if the ID is already used.
func (s *SQLiteStore) SaveGrant(ctx context.Context, g *Grant) error {
	if g.IssuedAt.IsZero() {
		g.IssuedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO grants (id, user_id, tier, scopes, issued_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		g.ID,
		g.UserID,
		g.Tier,
		strings.Join(g.Scopes, " "),
		formatTime(g.IssuedAt),
		formatTime(g.ExpiresAt),
		formatTimePtr(g.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("inserting grant: %w", err)
	}

	s.logger.Debug("saved grant", "id", g.ID, "user_id", g.UserID, "expires_at", g.ExpiresAt)
	return nil
}

const grantColumns = `id, user_id, tier, scopes, issued_at, expires_at, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var g Grant
	var scopes, issuedAt, expiresAt string
	var revokedAt sql.NullString

	if err := row.Scan(&g.ID, &g.UserID, &g.Tier, &scopes, &issuedAt, &expiresAt, &revokedAt); err != nil {
		return nil, err
	}

	if scopes != "" {
		g.Scopes = strings.Fields(scopes)
	}

	var err error
	if g.IssuedAt, err = parseTime("issued_at", issuedAt); err != nil {
		return nil, err
	}
	if g.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if g.RevokedAt, err = parseNullTime("revoked_at", revokedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrant retrieves a grant by ID.
// Returns ErrNotFound if the grant doesn't exist.
func (s *SQLiteStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id)

	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying grant: %w", err)
	}
	return g, nil
}

// ListGrants returns all grants for a user, newest first.
func (s *SQLiteStore) ListGrants(ctx context.Context, userID string) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE user_id = ? ORDER BY issued_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying grants: %w", err)
	}
	defer rows.Close()

	var grants []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grants: %w", err)
	}
	return grants, nil
}

// RevokeGrant marks a grant revoked. Revoking an already revoked grant keeps
// the original timestamp. Returns ErrNotFound if the grant doesn't exist.
func (s *SQLiteStore) RevokeGrant(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE grants SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("revoking grant: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked grant", "id", id)
	return nil
}

// PurgeExpiredGrants deletes grants that expired before the given time.
func (s *SQLiteStore) PurgeExpiredGrants(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE expires_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging grants: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged expired grants", "count", n)
	}
	return n, nil
}
