// Package errors provides the consolidated error definitions for featstore:
// sentinel errors for all error conditions, category checking functions,
// wire code mapping for the transport layer, and wrapping utilities.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire error codes - used by the (external) transport layer
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidRequest int32 = 2
	CodeNotFound       int32 = 3
	CodeConflict       int32 = 4
	CodeImmutable      int32 = 5
	CodeUnavailable    int32 = 6
	CodeTimeout        int32 = 7
	CodeInternal       int32 = 8
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeConflict:
		return "Conflict"
	case CodeImmutable:
		return "Immutable"
	case CodeUnavailable:
		return "Unavailable"
	case CodeTimeout:
		return "Timeout"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors. Expected outcomes, never fatal.
	ErrNotFound        = errors.New("not found")
	ErrFeatureNotFound = errors.New("feature not found")
	ErrValueNotFound   = errors.New("no value before reference time")

	// Conflict errors
	ErrAlreadyExists = errors.New("already exists")

	// Immutability errors
	ErrImmutableField = errors.New("field is immutable after registration")

	// Validation errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidRequest = errors.New("invalid request")
	ErrMissingField   = errors.New("missing required field")
	ErrTypeMismatch   = errors.New("value type does not match feature dtype")
	ErrUnknownDtype   = errors.New("unknown dtype")

	// Availability errors. Read paths degrade per-key instead of failing
	// whole requests.
	ErrUnavailable      = errors.New("backend unavailable")
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrTimeout          = errors.New("timeout")

	// Pipeline errors
	ErrLateEvent      = errors.New("event beyond watermark")
	ErrSourceClosed   = errors.New("event source closed")
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrValueNotFound)
}

// IsConflict returns true if err is a duplicate-registration conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrUnknownDtype)
}

// IsImmutable returns true if err is an immutable-field violation.
func IsImmutable(err error) bool {
	return errors.Is(err, ErrImmutableField)
}

// IsUnavailable returns true if err indicates an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCacheUnavailable)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case IsImmutable(err):
		return CodeImmutable
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrTimeout):
		return CodeTimeout
	case IsUnavailable(err):
		return CodeUnavailable
	default:
		return CodeInternal
	}
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

// NewAlreadyExists creates a conflict error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidRequest)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewImmutable creates an immutable-field error.
func NewImmutable(field string) error {
	return fmt.Errorf("%s: %w", field, ErrImmutableField)
}

// NewTypeMismatch creates a dtype mismatch error.
func NewTypeMismatch(feature, want, got string) error {
	return fmt.Errorf("feature '%s' expects %s, got %s: %w", feature, want, got, ErrTypeMismatch)
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

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
