package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func seedPrincipal(t *testing.T, s Store, userID string) {
	t.Helper()
	require.NoError(t, s.UpsertPrincipal(context.Background(), &Principal{
		UserID: userID,
		Login:  "octocat",
		Name:   "The Octocat",
		Tier:   "standard",
	}))
}

func TestNewSQLiteStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "gw.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	// Reopening runs migrations against the existing schema.
	require.NoError(t, s.Close())
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	s2.Close()
}

func TestStore_UpsertPrincipal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, store.UpsertPrincipal(ctx, &Principal{
		UserID:    "github:42",
		Login:     "octocat",
		Tier:      "standard",
		CreatedAt: created,
	}))

	require.NoError(t, store.UpsertPrincipal(ctx, &Principal{
		UserID: "github:42",
		Login:  "octocat",
		Name:   "Mona",
		Email:  "mona@example.com",
		Tier:   "privileged",
	}))

	p, err := store.GetPrincipal(ctx, "github:42")
	require.NoError(t, err)
	assert.Equal(t, "Mona", p.Name)
	assert.Equal(t, "mona@example.com", p.Email)
	assert.Equal(t, "privileged", p.Tier)
	assert.Equal(t, created, p.CreatedAt, "created_at must survive re-login")
}

func TestStore_GetPrincipal_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetPrincipal(context.Background(), "github:0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Grants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedPrincipal(t, store, "github:1")

	now := time.Now().UTC().Truncate(time.Second)
	g := &Grant{
		ID:        "jti-1",
		UserID:    "github:1",
		Tier:      "standard",
		Scopes:    []string{"read:user", "user:email"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.SaveGrant(ctx, g))
	assert.ErrorIs(t, store.SaveGrant(ctx, g), ErrDuplicateGrant)

	got, err := store.GetGrant(ctx, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:user", "user:email"}, got.Scopes)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)
	assert.True(t, got.Active(now))
	assert.False(t, got.Active(now.Add(2*time.Hour)))

	require.NoError(t, store.RevokeGrant(ctx, "jti-1"))
	got, err = store.GetGrant(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.False(t, got.Active(now))

	first := *got.RevokedAt
	require.NoError(t, store.RevokeGrant(ctx, "jti-1"))
	got, _ = store.GetGrant(ctx, "jti-1")
	assert.Equal(t, first, *got.RevokedAt)

	assert.ErrorIs(t, store.RevokeGrant(ctx, "missing"), ErrNotFound)
	_, err = store.GetGrant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GrantRequiresPrincipal(t *testing.T) {
	store := setupTestStore(t)

	err := store.SaveGrant(context.Background(), &Grant{
		ID:        "orphan",
		UserID:    "github:404",
		Tier:      "standard",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateGrant)
}

func TestStore_ListAndPurgeGrants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedPrincipal(t, store, "github:1")

	now := time.Now().UTC().Truncate(time.Second)
	for i, exp := range []time.Duration{-time.Hour, time.Hour, 2 * time.Hour} {
		require.NoError(t, store.SaveGrant(ctx, &Grant{
			ID:        []string{"old", "mid", "new"}[i],
			UserID:    "github:1",
			Tier:      "standard",
			IssuedAt:  now.Add(time.Duration(i) * time.Minute),
			ExpiresAt: now.Add(exp),
		}))
	}

	grants, err := store.ListGrants(ctx, "github:1")
	require.NoError(t, err)
	require.Len(t, grants, 3)
	assert.Equal(t, "new", grants[0].ID)

	n, err := store.PurgeExpiredGrants(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	grants, err = store.ListGrants(ctx, "github:1")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}

func TestStore_Sessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &SessionRecord{
		ID:           "sess-1",
		UserID:       "github:1",
		Tier:         "privileged",
		Transport:    "sse",
		CreatedAt:    now,
		LastActiveAt: now,
	}
	require.NoError(t, store.SaveSession(ctx, rec))

	later := now.Add(time.Minute)
	require.NoError(t, store.TouchSession(ctx, "sess-1", later))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, later, got.LastActiveAt)
	assert.False(t, got.Closed())

	require.NoError(t, store.MarkSessionClosed(ctx, "sess-1", later))
	require.NoError(t, store.MarkSessionClosed(ctx, "sess-1", later.Add(time.Hour)))

	got, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, got.Closed())
	assert.Equal(t, later, *got.ClosedAt)

	// Touching a closed session is ignored.
	require.NoError(t, store.TouchSession(ctx, "sess-1", later.Add(time.Hour)))
	got, _ = store.GetSession(ctx, "sess-1")
	assert.Equal(t, later, got.LastActiveAt)

	assert.ErrorIs(t, store.MarkSessionClosed(ctx, "nope", now), ErrNotFound)
	_, err = store.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ToolCalls(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	calls := []*ToolCall{
		{SessionID: "s1", UserID: "u1", Tool: "listTables", Transport: "sse", Outcome: ToolCallOK, CreatedAt: base},
		{SessionID: "s1", UserID: "u1", Tool: "queryDatabase", Transport: "sse", Outcome: ToolCallToolError, Error: "no such table: x", CreatedAt: base.Add(time.Minute)},
		{SessionID: "s2", UserID: "u2", Tool: "executeDatabase", Transport: "streamable-http", Outcome: ToolCallOK, DurationMS: 12, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, c := range calls {
		require.NoError(t, store.RecordToolCall(ctx, c))
		assert.NotEmpty(t, c.ID)
	}

	all, err := store.ListToolCalls(ctx, ToolCallFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "executeDatabase", all[0].Tool)

	byUser, err := store.ListToolCalls(ctx, ToolCallFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "no such table: x", byUser[0].Error)

	since := base.Add(90 * time.Second)
	recent, err := store.ListToolCalls(ctx, ToolCallFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := store.ListToolCalls(ctx, ToolCallFilter{Limit: 1, SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMockStore_MatchesSQLiteBehaviour(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	} {
		t.Run(name, func(t *testing.T) {
			seedPrincipal(t, s, "github:7")
			now := time.Now().UTC().Truncate(time.Second)

			require.NoError(t, s.SaveGrant(ctx, &Grant{ID: "g", UserID: "github:7", Tier: "standard", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
			assert.ErrorIs(t, s.SaveGrant(ctx, &Grant{ID: "g", UserID: "github:7", Tier: "standard", ExpiresAt: now}), ErrDuplicateGrant)

			require.NoError(t, s.SaveSession(ctx, &SessionRecord{ID: "x", UserID: "github:7", Tier: "standard", Transport: "sse", CreatedAt: now, LastActiveAt: now}))
			require.NoError(t, s.MarkSessionClosed(ctx, "x", now))
			rec, err := s.GetSession(ctx, "x")
			require.NoError(t, err)
			assert.True(t, rec.Closed())
		})
	}
}
