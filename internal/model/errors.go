package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a request rejected at submission time.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by stores and services for unknown IDs.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when a caller acts on a match they are not in.
	ErrNotParticipant = errors.New("player is not a participant of this match")

	// ErrConflict marks a state conflict already resolved by another path.
	ErrConflict = errors.New("state conflict")
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
