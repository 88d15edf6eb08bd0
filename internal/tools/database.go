// ABOUTME: Database tool handlers: listTables, queryDatabase and executeDatabase.
// ABOUTME: SQL errors become tool error results; pool failures propagate to the caller.

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/pool"
)

// Tool names.
const (
	ToolListTables      = "listTables"
	ToolQueryDatabase   = "queryDatabase"
	ToolExecuteDatabase = "executeDatabase"
)

const listTablesSQL = `SELECT m.name AS table_name, p.name AS column_name, p.type AS column_type,
	p."notnull" AS not_null, p.pk AS primary_key
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`

type sqlArgs struct {
	SQL string `json:"sql"`
}

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull"`
	PrimaryKey bool   `json:"primaryKey"`
}

// Table is one entry of the listTables result.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// ExecResult is the executeDatabase result for statements without rows.
type ExecResult struct {
	RowsAffected int64 `json:"rowsAffected"`
}

// ListTables declares the standard-tier schema listing tool.
func ListTables() Capability {
	return Capability{
		Tool: mcp.NewTool(ToolListTables,
			mcp.WithDescription("List all tables in the database with their columns and types. Call this first to learn the schema."),
		),
		MinTier: auth.TierStandard,
		Handler: listTables,
	}
}

// QueryDatabase declares the standard-tier read-only query tool.
func QueryDatabase() Capability {
	return Capability{
		Tool: mcp.NewTool(ToolQueryDatabase,
			mcp.WithDescription("Run a read-only SQL query (SELECT, WITH) against the database and return the rows as JSON."),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("A single read-only SQL statement"),
			),
		),
		MinTier: auth.TierStandard,
		Handler: queryDatabase,
	}
}

// ExecuteDatabase declares the privileged-tier read/write tool.
func ExecuteDatabase() Capability {
	return Capability{
		Tool: mcp.NewTool(ToolExecuteDatabase,
			mcp.WithDescription("Execute any single SQL statement, including INSERT, UPDATE, DELETE and DDL. Returns rows for queries and the number of affected rows otherwise."),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("A single SQL statement"),
			),
		),
		MinTier: auth.TierPrivileged,
		Handler: executeDatabase,
	}
}

func listTables(ctx context.Context, db Executor, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := db.Query(ctx, listTablesSQL)
	if err != nil {
		return sqlFailure(ctx, err)
	}

	tables := []Table{}
	index := map[string]int{}
	for _, row := range res.Rows {
		name := asString(row["table_name"])
		i, ok := index[name]
		if !ok {
			i = len(tables)
			index[name] = i
			tables = append(tables, Table{Name: name, Columns: []Column{}})
		}
		tables[i].Columns = append(tables[i].Columns, Column{
			Name:       asString(row["column_name"]),
			Type:       asString(row["column_type"]),
			NotNull:    asInt64(row["not_null"]) != 0,
			PrimaryKey: asInt64(row["primary_key"]) != 0,
		})
	}

	return jsonResult(map[string]any{"tables": tables})
}

func queryDatabase(ctx context.Context, db Executor, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sqlArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := checkReadOnly(args.SQL); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := db.Query(ctx, args.SQL)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	return jsonResult(res)
}

func executeDatabase(ctx context.Context, db Executor, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sqlArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := singleStatement(args.SQL); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if returnsRows(args.SQL) {
		res, err := db.Query(ctx, args.SQL)
		if err != nil {
			return sqlFailure(ctx, err)
		}
		return jsonResult(res)
	}

	n, err := db.Exec(ctx, args.SQL)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	return jsonResult(ExecResult{RowsAffected: n})
}

// sqlFailure propagates pool errors and cancellation and turns everything
// else into a scrubbed tool error.
func sqlFailure(ctx context.Context, err error) (*mcp.CallToolResult, error) {
	if pool.IsResourcePoolError(err) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return mcp.NewToolResultError("database error: " + scrubCredentials(err.Error())), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
	}
	return 0
}
