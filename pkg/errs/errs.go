// Package errs defines the error kinds shared across the engine.
//
// Every failure surfaced at the engine boundary belongs to one of the
// sentinel kinds below, so callers can branch with errors.Is without
// string matching. Operation context is attached in the same style
// throughout the module via Wrap.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrValidation covers malformed bundles, schema violations, unknown
	// node/edge types and invalid direction tokens. Reported before any
	// durable change.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the operation target does not exist: an unknown
	// node instance or a missing source record.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity is a referential-integrity violation caught during an
	// import transaction. It always triggers a full rollback.
	ErrIntegrity = errors.New("referential integrity violation")

	// ErrGuard is returned by the raw-query escape hatch for forbidden
	// keywords, non-read-only statements and oversize results. A client
	// error, not a server fault.
	ErrGuard = errors.New("raw query rejected")

	// ErrClosed is returned when an operation is attempted on a closed
	// engine.
	ErrClosed = errors.New("engine is closed")
)

// Error wraps an underlying error with operation context.
type Error struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("skein: %v", e.Err)
	}
	return fmt.Sprintf("skein: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// Wrap wraps an error with operation context. A nil err yields nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Validationf builds a validation-kind error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not-found-kind error.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Integrityf builds a referential-integrity-kind error.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Guardf builds a raw-query-guard-kind error.
func Guardf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGuard, fmt.Sprintf(format, args...))
}
