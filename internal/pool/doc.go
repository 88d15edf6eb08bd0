// Package pool manages the single process-wide connection pool to the
// backend database that tools run SQL against.
//
// The pool is opened lazily by the first GetPool call. Concurrent first
// callers share one open attempt. If the backend is unreachable the caller
// gets a *ResourcePoolError and nothing is cached, so the next call retries.
//
// Sessions that reach active take a reference with Acquire and drop it with
// Release; the last Release closes the pool. ClosePool forces a close and may
// be called any number of times from any goroutine. A close that lands while
// the pool is being opened discards the new handle, and a Query or Exec that
// finds its handle closed retries once on a reopened pool.
//
// Two drivers are registered: "sqlite" (modernc.org/sqlite, pure Go) and
// "sqlite3" (github.com/mattn/go-sqlite3, requires cgo).
package pool
