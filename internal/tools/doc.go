// Package tools declares the database tools exposed to MCP clients.
//
// # Catalog
//
// A Catalog is a fixed, ordered list of Capabilities, each pairing an
// mcp.Tool descriptor with a minimum privilege tier and a Handler:
//
//	listTables       standard    tables and columns
//	queryDatabase    standard    read-only SQL
//	executeDatabase  privileged  any single SQL statement
//
// Catalog.Visible is a pure function of the principal's tier. Tools above the
// tier are left out of the set entirely, and Lookup reports them with the same
// CapabilityDeniedError ("unknown tool: <name>") as names that were never
// declared.
//
// # Handlers
//
// Handlers run against an Executor (normally the shared pool.Manager).
// Rejected input and SQL errors are returned as error results so the client
// sees them as tool output. A *pool.ResourcePoolError is returned as a Go
// error so transports can report the backend as unavailable.
package tools
