package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is not legal in the
	// session's current stage, including when a concurrent turn moved the
	// session first.
	ErrInvalidTransition = errors.New("operation not allowed in current stage")

	// ErrGenerationIncomplete is returned when candidate generation exhausted
	// its reissue budget without producing exactly three well-formed options.
	ErrGenerationIncomplete = errors.New("candidate generation incomplete")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
