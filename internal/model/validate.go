package model

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Value   any
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		if fe.Value != nil {
			parts[i] = fmt.Sprintf("%s: %s (value %v)", fe.Field, fe.Message, fe.Value)
		} else {
			parts[i] = fe.Field + ": " + fe.Message
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// NewValidationError returns a validation error with a single field error.
func NewValidationError(field string, value any, format string, args ...any) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}}}
}

// NotFoundError reports an unknown table, field or record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError is returned once the retry budget for transient database
// conflicts is exhausted.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("database conflict after %d attempts, try again: %v", e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ComputationError reports a failure recomputing a derived field.
type ComputationError struct {
	TableID  string
	RecordID string
	FieldID  string
	Err      error
}

func (e *ComputationError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("compute %s.%s: %v", e.TableID, e.FieldID, e.Err)
	}
	return fmt.Sprintf("compute %s.%s for record %s: %v", e.TableID, e.FieldID, e.RecordID, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsComputation reports whether err wraps a *ComputationError.
func IsComputation(err error) bool {
	var ce *ComputationError
	return errors.As(err, &ce)
}
