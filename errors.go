package gpa

import (
	"errors"
	"fmt"
)

// =====================================
// Error Handling
// =====================================

// GPAError represents a GPA-specific error
type GPAError struct {
	Type    ErrorType
	Message string
	Cause   error
	Code    string
}

// Error implements the error interface
func (e GPAError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e GPAError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e GPAError) Is(target error) bool {
	if targetGPAError, ok := target.(GPAError); ok {
		return e.Type == targetGPAError.Type
	}
	return false
}

// NewError creates a new GPAError
func NewError(errorType ErrorType, message string) GPAError {
	return GPAError{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new GPAError with a cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) GPAError {
	return GPAError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// ConfigError reports a metadata or wiring problem for entity.field.
// These are never retried.
func ConfigError(entity, field, format string, args ...interface{}) GPAError {
	msg := fmt.Sprintf(format, args...)
	switch {
	case entity != "" && field != "":
		msg = fmt.Sprintf("%s.%s: %s", entity, field, msg)
	case entity != "":
		msg = fmt.Sprintf("%s: %s", entity, msg)
	}
	return GPAError{
		Type:    ErrorTypeConfiguration,
		Message: msg,
		Code:    entity,
	}
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}

// IsDuplicate checks if an error is a "duplicate" error
func IsDuplicate(err error) bool {
	return IsErrorType(err, ErrorTypeDuplicate)
}

// IsConnection checks if an error is a "connection" error
func IsConnection(err error) bool {
	return IsErrorType(err, ErrorTypeConnection)
}

// IsConfiguration checks if an error is a "configuration" error
func IsConfiguration(err error) bool {
	return IsErrorType(err, ErrorTypeConfiguration)
}

// IsCardinality checks if an error is a "cardinality" error
func IsCardinality(err error) bool {
	return IsErrorType(err, ErrorTypeCardinality)
}

// IsUnsupported checks if an error is an "unsupported" error
func IsUnsupported(err error) bool {
	return IsErrorType(err, ErrorTypeUnsupported)
}

// IsErrorType checks if an error, or anything it wraps, is a GPAError of
// the given type.
func IsErrorType(err error, errorType ErrorType) bool {
	var gpaErr GPAError
	if errors.As(err, &gpaErr) {
		return gpaErr.Type == errorType
	}
	return false
}
