// ABOUTME: Error types for the resource pool manager
// ABOUTME: ResourcePoolError marks backend connectivity failures that callers may retry

package pool

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when the manager has no driver or DSN.
var ErrNotConfigured = errors.New("pool: backend not configured")

// ErrPoolClosed is returned when the pool was closed while a caller was
// opening or using it.
var ErrPoolClosed = errors.New("pool: closed during use")

// ResourcePoolError reports a failure to acquire the shared pool.
// The pool is not torn down; the next acquisition attempt retries.
type ResourcePoolError struct {
	Op  string // "open", "ping", "query" or "exec"
	Err error
}

func (e *ResourcePoolError) Error() string {
	return fmt.Sprintf("resource pool %s: %v", e.Op, e.Err)
}

func (e *ResourcePoolError) Unwrap() error {
	return e.Err
}

// IsResourcePoolError reports whether err wraps a *ResourcePoolError.
func IsResourcePoolError(err error) bool {
	var pe *ResourcePoolError
	return errors.As(err, &pe)
}
