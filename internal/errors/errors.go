// Package errors holds the error taxonomy shared by every obshub package.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for validation errors

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Startup errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInstantiation = errors.New("cannot instantiate storage")

	// Registry errors
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidProducerKind = errors.New("not a data producer")

	// Lifecycle errors
	ErrNotStarted     = errors.New("storage not started")
	ErrAlreadyStarted = errors.New("already started")
	ErrClosed         = errors.New("closed")

	// Runtime errors
	ErrDispatch    = errors.New("event dispatch failed")
	ErrTimeout     = errors.New("timeout")
	ErrExhausted   = errors.New("iteration exhausted")
	ErrUnsupported = errors.New("operation not supported")
	ErrCorrupt     = errors.New("corrupt data")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStartupError returns true for errors that keep a module from starting.
func IsStartupError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInstantiation)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotStarted)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewTimeout creates a timeout error naming what was awaited.
func NewTimeout(what string) error {
	return fmt.Errorf("waiting for %s: %w", what, ErrTimeout)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
