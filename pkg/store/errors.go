package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mutation targets a missing row.
	// Read APIs never return it; they return empty results instead.
	ErrNotFound = errors.New("entity not found")

	// ErrNameConflict is returned when an agent name is re-registered with a
	// different address.
	ErrNameConflict = errors.New("agent name registered with a different address")

	// ErrBadAssignment is returned when an assignment write is not
	// both-or-neither.
	ErrBadAssignment = errors.New("assignment must set both task and subtask or neither")

	// ErrConflict is returned when a write would violate the
	// at-most-one-non-terminal-execution invariant.
	ErrConflict = errors.New("conflicting non-terminal execution exists")

	// ErrInvalidTask is returned when a task spec fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrIllegalTransition is returned when a status write is not a legal
	// transition (terminal rows never mutate).
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ValidationError carries the field-level detail behind an ErrInvalidTask.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap makes every validation error match ErrInvalidTask.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidTask
}

// NewValidationError creates a field-level validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
