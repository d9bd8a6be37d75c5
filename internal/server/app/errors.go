package app

import (
	"errors"
	"fmt"
)

// Domain error sentinels for the streaming core. These enable consistent
// HTTP status mapping via errors.Is().

var (
	// ErrSessionNotFound indicates the registry has never seen the id and
	// creation was not requested.
	ErrSessionNotFound = errors.New("session not found")

	// ErrGenerationInProgress indicates a send was attempted while the
	// session was not idle. Callers must retry or surface the conflict;
	// the core never queues silently.
	ErrGenerationInProgress = errors.New("generation in progress")

	// ErrSessionClosed indicates the session was torn down while the
	// operation was in flight.
	ErrSessionClosed = errors.New("session closed")
)

// SessionNotFoundError wraps ErrSessionNotFound with the offending id.
func SessionNotFoundError(sessionID string) error {
	return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
}

// GenerationInProgressError wraps ErrGenerationInProgress with the session id.
func GenerationInProgressError(sessionID string) error {
	return fmt.Errorf("session %s: %w", sessionID, ErrGenerationInProgress)
}

// SessionClosedError wraps ErrSessionClosed with the session id.
func SessionClosedError(sessionID string) error {
	return fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
}
