package fragment

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when an external provider rejects a call
	// for exceeding its rate bound.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrTimeout is returned when an external provider exceeds its timeout.
	ErrTimeout = errors.New("provider timed out")
)

// ValidationError indicates a missing required field, an illegal enum value,
// or a malformed identifier. Surfaces to callers with full detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError indicates the target fragment does not exist under the
// caller's scope.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return "fragment not found"
	}
	return "fragment not found: " + e.ID
}

// ConflictError indicates a content-hash collision: the content already
// exists under another fragment id.
type ConflictError struct {
	ExistingID string
}

func (e ConflictError) Error() string {
	return "content already stored as " + e.ExistingID
}

// PermissionError indicates an operation was refused by lifecycle policy,
// e.g. deleting a permanent fragment without force.
type PermissionError struct {
	ID     string
	Reason string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("operation not permitted on %s: %s", e.ID, e.Reason)
}

// BackendError wraps a durable-store failure. These surface to the caller as
// {success:false, error:...} at the facade boundary.
type BackendError struct {
	Op  string
	Err error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e BackendError) Unwrap() error { return e.Err }
