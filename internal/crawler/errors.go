package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrFatalIdentifier marks an identifier whose entry document is unusable.
	ErrFatalIdentifier = errors.New("fatal identifier error")
	// ErrDegradedBranch marks a failed sub-fetch that does not block finalization.
	ErrDegradedBranch = errors.New("degraded branch")
	// ErrMalformedResponse marks a body that does not decode as JSON.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnexpectedStatus marks a non-200 upstream status.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrNotFound is returned by stores when a document does not exist.
	ErrNotFound = errors.New("not found")
)

// StatusError reports a non-200 response from a resource fetch.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// Unwrap lets callers match ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// FatalIdentifier wraps err so it matches ErrFatalIdentifier.
func FatalIdentifier(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFatalIdentifier, id, err)
}

// DegradedBranch wraps err so it matches ErrDegradedBranch.
func DegradedBranch(id string, branch Branch, err error) error {
	return fmt.Errorf("%w: %s/%s: %w", ErrDegradedBranch, id, branch, err)
}
