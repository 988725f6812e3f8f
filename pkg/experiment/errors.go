package experiment

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	// ErrValidation marks a bad template reference or mode. Raised before any
	// store mutation.
	ErrValidation = errors.New("validation error")

	// ErrAuthorization marks an owner mismatch. The record is left unchanged.
	ErrAuthorization = errors.New("authorization error")

	ErrNotFound = errors.New("experiment not found")
	ErrExists   = errors.New("experiment already exists")

	// ErrConcurrency marks a lock acquisition timeout.
	ErrConcurrency = errors.New("concurrency error")

	// ErrStoreUnavailable is surfaced once internal retries are exhausted.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrCorrupt marks persisted state that could not be parsed after retry.
	// Corrupt records are reported, never repaired by overwrite.
	ErrCorrupt = errors.New("corrupt experiment record")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOwnerImmutable    = errors.New("owner is immutable")

	// ErrAlreadyActive rejects a second monitoring task for the same id.
	ErrAlreadyActive = errors.New("experiment already has an active supervisor")
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AuthorizationError describes a denied operation.
type AuthorizationError struct {
	Op        string
	ID        string
	Principal string
	Reason    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s denied for %q: %s", e.Op, e.ID, e.Principal, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// StoreError wraps a store failure with the record id and the operation.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
