package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by mutations that target a row which does not exist.
// Lookups return a nil value instead.
var ErrNotFound = errors.New("not found")

// ValidationError rejects input before any storage mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError is a typed failure for operations that clash with existing
// state, such as promoting a URL that is already a source.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
