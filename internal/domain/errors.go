package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by the transport, completion and delivery layers.
// Collaborators wrap their concrete failures with these so callers can
// branch with errors.Is without importing each other.
var (
	// ErrTransientNetwork marks a failure expected to succeed on retry
	// (connection refused, reset, upstream 5xx/429, client-side timeout).
	ErrTransientNetwork = errors.New("transient network error")

	// ErrFormatting marks a permanent rejection of formatted content, e.g. a
	// chat transport refusing to parse markup entities.
	ErrFormatting = errors.New("formatting rejected")
)

// UnknownPersonaError is returned when an identifier does not name a member
// of the persona enumeration.
type UnknownPersonaError struct {
	ID string
}

func (e *UnknownPersonaError) Error() string {
	return fmt.Sprintf("unknown persona %q", e.ID)
}
