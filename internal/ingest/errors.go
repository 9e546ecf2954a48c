package ingest

import (
	"errors"
	"fmt"
)

// ErrInvalidFragment is matched by every ValidationError.
var ErrInvalidFragment = errors.New("invalid fragment")

// ValidationError describes a rejected request field.
type ValidationError struct {
	// Field is the request field at fault, e.g. "session_id".
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrInvalidFragment) true for validation errors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidFragment
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
