// Package apperr defines the error kinds shared by the control plane.
//
// Callers wrap a kind with context ("update account: %w") and transports
// classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication is returned for missing, invalid or expired tokens and bad credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization is returned on role or ownership mismatch.
	ErrAuthorization = errors.New("access denied")

	// ErrNotFound is returned when an account or quota does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a username is already taken.
	ErrConflict = errors.New("already exists")

	// ErrExternalEnforcement matches any *ExternalError.
	ErrExternalEnforcement = errors.New("external enforcement failed")
)

// Validation builds a validation error with a caller-facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbidden builds an authorization error with a caller-facing message.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// ExternalError reports a failed call into an external capability.
// Diagnostic carries the capability's own output (stderr or error text).
type ExternalError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *ExternalError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Diagnostic)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExternalEnforcement) match every ExternalError.
func (e *ExternalError) Is(target error) bool {
	return target == ErrExternalEnforcement
}

// External wraps err as an ExternalError for op.
func External(op string, err error, diagnostic string) *ExternalError {
	if err == nil {
		err = errors.New("failed")
	}
	return &ExternalError{Op: op, Diagnostic: diagnostic, Err: err}
}

// DiagnosticOf returns the diagnostic text of the first ExternalError in err's chain.
func DiagnosticOf(err error) string {
	var ext *ExternalError
	if errors.As(err, &ext) {
		if ext.Diagnostic != "" {
			return ext.Diagnostic
		}
		return ext.Err.Error()
	}
	return ""
}
