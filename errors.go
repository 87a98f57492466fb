package sessionkit

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session does not exist, has expired,
	// or belongs to another worker's namespace.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMaxSessionsExceeded is returned when creating a session would exceed MaxActiveSessions.
	ErrMaxSessionsExceeded = errors.New("maximum number of active sessions exceeded")

	// ErrSessionInvalid is returned when operating on a session that was invalidated or expired.
	ErrSessionInvalid = errors.New("session is no longer valid")

	// ErrAgentCompleted is returned (or raised as a panic) when an Agent is used after Complete.
	ErrAgentCompleted = errors.New("session agent already completed")

	// ErrInvalidSessionID is returned when the session ID format is invalid.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrUnreadableSessionData is returned when a persisted record cannot be decoded.
	ErrUnreadableSessionData = errors.New("unreadable session data")

	// ErrUnsupportedValue is returned when an attribute value has no stable encoding.
	ErrUnsupportedValue = errors.New("unsupported attribute value")

	// ErrSessionTooLarge is returned when the encoded session data exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrInvalidConfig is returned by Initialize when the configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid session manager configuration")

	// ErrNotInitialized is returned when the manager is used before Initialize or after Destroy.
	ErrNotInitialized = errors.New("session manager not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("session manager already initialized")
)

// PersistError reports a failed write or delete against a SessionStore.
// The in-memory session is kept dirty so a later release can retry.
type PersistError struct {
	ID  string
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to %s session %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
