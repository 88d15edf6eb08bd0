// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Principal: identity minted by the OAuth broker, with its privilege tier
//   - Grant: one issued bearer token (keyed by JWT id), checked on every request
//     and revocable from the CLI
//   - SessionRecord: session agent state, used to resume sessions after a restart
//   - ToolCall: append-only audit record of each tool invocation
//
// SQLiteStore implements Store. MockStore is an in-memory implementation for
// tests that can also be told to fail every write.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339 UTC text.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateGrant: a grant with the same ID already exists
//
// All methods accept context.Context for cancellation support.
package store
