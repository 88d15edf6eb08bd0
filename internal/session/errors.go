package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates the session reached its terminal state. The
	// client must open a new session, which repeats the identity check.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotOwner indicates the session belongs to a different principal.
	ErrNotOwner = errors.New("session belongs to another principal")
)

// InitError reports a failed Init. The session stays uninitialized.
type InitError struct {
	SessionID string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("session %s init: %v", e.SessionID, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// CleanupError reports a failed cleanup step. It is only ever logged.
type CleanupError struct {
	SessionID string
	Step      string
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("session %s cleanup (%s): %v", e.SessionID, e.Step, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
