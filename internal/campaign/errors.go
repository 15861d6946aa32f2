package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the root of every input or state validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a campaign name is unknown.
	ErrNotFound = errors.New("campaign not found")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}
