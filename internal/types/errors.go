// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// MalformedEventError marks an inbound event that cannot be normalized.
// It is the only failure that aborts a pipeline run without persistence.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ExtractionFailure marks a non-fatal entity parse miss. The message is still
// persisted as a note with the reason attached as metadata.
type ExtractionFailure struct {
	Reason string
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

var (
	// ErrCapabilityUnavailable signals that an external AI capability is
	// down or timed out. Triggers the documented fallback, never fatal.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrMalformedResponse signals an AI response that could not be parsed.
	ErrMalformedResponse = errors.New("malformed capability response")

	// ErrSessionClosed is returned when a transition is attempted on a
	// session that already reached a terminal status.
	ErrSessionClosed = errors.New("session already closed")

	// ErrDuplicateDelivery marks an idempotent short-circuit on a replayed
	// channel message id. Not an error condition for the user.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)
