// ABOUTME: Tests for the database tool handlers against a real SQLite pool.
// ABOUTME: Covers result shapes, SQL rejections and pool error propagation.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tablegate/internal/pool"
)

func newTestPool(t *testing.T) *pool.Manager {
	t.Helper()
	m := pool.NewManager(pool.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "backend.db"),
	})
	t.Cleanup(m.ClosePool)

	ctx := context.Background()
	_, err := m.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`)
	require.NoError(t, err)
	_, err = m.Exec(ctx, `INSERT INTO users (name, email) VALUES ('alice', 'a@example.com'), ('bob', NULL)`)
	require.NoError(t, err)
	return m
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestListTables(t *testing.T) {
	db := newTestPool(t)

	res, err := listTables(context.Background(), db, callReq(ToolListTables, nil))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out struct {
		Tables []Table `json:"tables"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out.Tables, 1)

	users := out.Tables[0]
	assert.Equal(t, "users", users.Name)
	require.Len(t, users.Columns, 3)
	assert.Equal(t, Column{Name: "id", Type: "INTEGER", PrimaryKey: true}, users.Columns[0])
	assert.Equal(t, Column{Name: "name", Type: "TEXT", NotNull: true}, users.Columns[1])
	assert.Equal(t, "email", users.Columns[2].Name)
}

func TestQueryDatabase(t *testing.T) {
	db := newTestPool(t)

	res, err := queryDatabase(context.Background(), db,
		callReq(ToolQueryDatabase, map[string]any{"sql": "SELECT name, email FROM users ORDER BY id"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out pool.QueryResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, []string{"name", "email"}, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, "alice", out.Rows[0]["name"])
	assert.Nil(t, out.Rows[1]["email"])
}

func TestQueryDatabase_Rejections(t *testing.T) {
	db := newTestPool(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing sql", nil, "sql is required"},
		{"write", map[string]any{"sql": "DELETE FROM users"}, "write operations are not allowed"},
		{"two statements", map[string]any{"sql": "SELECT 1; SELECT 2"}, "single SQL statement"},
		{"bad type", map[string]any{"sql": 42}, "invalid arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := queryDatabase(context.Background(), db, callReq(ToolQueryDatabase, tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}

	// The rejected DELETE never ran.
	count, err := db.Query(context.Background(), "SELECT COUNT(*) AS n FROM users")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count.Rows[0]["n"])
}

func TestQueryDatabase_SQLErrorIsToolResult(t *testing.T) {
	db := newTestPool(t)

	res, err := queryDatabase(context.Background(), db,
		callReq(ToolQueryDatabase, map[string]any{"sql": "SELECT * FROM missing_table"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "missing_table")
}

func TestExecuteDatabase(t *testing.T) {
	db := newTestPool(t)
	ctx := context.Background()

	res, err := executeDatabase(ctx, db,
		callReq(ToolExecuteDatabase, map[string]any{"sql": "UPDATE users SET email = 'b@example.com' WHERE name = 'bob'"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var exec ExecResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &exec))
	assert.EqualValues(t, 1, exec.RowsAffected)

	res, err = executeDatabase(ctx, db,
		callReq(ToolExecuteDatabase, map[string]any{"sql": "SELECT email FROM users WHERE name = 'bob'"}))
	require.NoError(t, err)
	var rows pool.QueryResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rows))
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, "b@example.com", rows.Rows[0]["email"])

	res, err = executeDatabase(ctx, db,
		callReq(ToolExecuteDatabase, map[string]any{"sql": "DELETE FROM users; DELETE FROM users"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type failingExecutor struct {
	err error
}

func (f failingExecutor) Query(context.Context, string, ...any) (*pool.QueryResult, error) {
	return nil, f.err
}

func (f failingExecutor) Exec(context.Context, string, ...any) (int64, error) {
	return 0, f.err
}

func TestHandlers_PoolErrorPropagates(t *testing.T) {
	outage := failingExecutor{err: &pool.ResourcePoolError{Op: "ping", Err: errors.New("connection refused")}}
	ctx := context.Background()

	for _, c := range DefaultCatalog().All() {
		t.Run(c.Name(), func(t *testing.T) {
			res, err := c.Handler(ctx, outage, callReq(c.Name(), map[string]any{"sql": "SELECT 1"}))
			assert.Nil(t, res)
			assert.True(t, pool.IsResourcePoolError(err))
		})
	}
}

func TestSQLFailure_ScrubsCredentials(t *testing.T) {
	db := failingExecutor{err: errors.New("auth failed for postgres://app:hunter2@db/x")}

	res, err := queryDatabase(context.Background(), db,
		callReq(ToolQueryDatabase, map[string]any{"sql": "SELECT 1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.NotContains(t, resultText(t, res), "hunter2")
}
