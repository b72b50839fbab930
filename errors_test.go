package gpa

import (
	"errors"
	"fmt"
	"testing"
)

func TestGPAError(t *testing.T) {
	err := GPAError{
		Type:    ErrorTypeValidation,
		Message: "validation failed",
		Code:    "INVALID_EMAIL",
	}

	if err.Type != ErrorTypeValidation {
		t.Errorf("Expected error type validation, got %s", err.Type)
	}
	if err.Message != "validation failed" {
		t.Errorf("Expected message 'validation failed', got '%s'", err.Message)
	}
	if err.Code != "INVALID_EMAIL" {
		t.Errorf("Expected code 'INVALID_EMAIL', got '%s'", err.Code)
	}
}

func TestGPAErrorError(t *testing.T) {
	err := GPAError{
		Type:    ErrorTypeNotFound,
		Message: "user not found",
	}

	expected := "not_found: user not found"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
}

func TestGPAErrorWithCause(t *testing.T) {
	cause := errors.New("database connection failed")
	err := GPAError{
		Type:    ErrorTypeConnection,
		Message: "failed to connect",
		Cause:   cause,
	}

	if err.Cause != cause {
		t.Error("Expected cause to be set")
	}

	expectedMsg := "connection: failed to connect (caused by: database connection failed)"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestGPAErrorUnwrap(t *testing.T) {
	cause := errors.New("original error")
	err := GPAError{
		Type:    ErrorTypeInternal,
		Message: "wrapped error",
		Cause:   cause,
	}

	unwrapped := err.Unwrap()
	if unwrapped != cause {
		t.Error("Expected unwrapped error to match original cause")
	}
}

func TestGPAErrorIs(t *testing.T) {
	err1 := GPAError{Type: ErrorTypeValidation, Message: "validation error"}
	err2 := GPAError{Type: ErrorTypeValidation, Message: "different validation error"}
	err3 := GPAError{Type: ErrorTypeNotFound, Message: "not found error"}

	if !errors.Is(err1, err2) {
		t.Error("Expected errors with same type to be equal")
	}

	if errors.Is(err1, err3) {
		t.Error("Expected errors with different types to not be equal")
	}
}

func TestNewError(t *testing.T) {
	err := NewError(ErrorTypeValidation, "validation failed")

	if err.Type != ErrorTypeValidation {
		t.Errorf("Expected error type validation, got %s", err.Type)
	}
	if err.Message != "validation failed" {
		t.Errorf("Expected message 'validation failed', got '%s'", err.Message)
	}
	if err.Cause != nil {
		t.Error("Expected no cause for basic error")
	}
}

func TestConfigError(t *testing.T) {
	tests := []struct {
		entity, field string
		expected      string
	}{
		{"Order", "Customer", "configuration: Order.Customer: no metadata for Customer"},
		{"Order", "", "configuration: Order: no metadata for Customer"},
		{"", "", "configuration: no metadata for Customer"},
	}

	for _, tt := range tests {
		err := ConfigError(tt.entity, tt.field, "no metadata for %s", "Customer")
		if err.Error() != tt.expected {
			t.Errorf("Expected '%s', got '%s'", tt.expected, err.Error())
		}
		if err.Code != tt.entity {
			t.Errorf("Expected code '%s', got '%s'", tt.entity, err.Code)
		}
		if !IsConfiguration(err) {
			t.Error("Expected a configuration error")
		}
	}
}

func TestTypePredicates(t *testing.T) {
	predicates := map[ErrorType]func(error) bool{
		ErrorTypeNotFound:      IsNotFound,
		ErrorTypeDuplicate:     IsDuplicate,
		ErrorTypeConnection:    IsConnection,
		ErrorTypeConfiguration: IsConfiguration,
		ErrorTypeCardinality:   IsCardinality,
		ErrorTypeUnsupported:   IsUnsupported,
	}

	for errorType, is := range predicates {
		if !is(NewError(errorType, "x")) {
			t.Errorf("Expected predicate to accept %s", errorType)
		}
		if is(NewError(ErrorTypeInternal, "x")) {
			t.Errorf("Expected %s predicate to reject internal errors", errorType)
		}
		if is(errors.New("plain")) {
			t.Errorf("Expected %s predicate to reject plain errors", errorType)
		}
	}
}

func TestIsErrorTypeWrapped(t *testing.T) {
	inner := NewError(ErrorTypeCardinality, "two rows for one-to-one")
	wrapped := fmt.Errorf("resolving Player.Badge: %w", inner)

	if !IsCardinality(wrapped) {
		t.Error("Expected wrapped cardinality error to be detected")
	}
	if IsErrorType(nil, ErrorTypeCardinality) {
		t.Error("Expected nil to match no type")
	}
}

func TestChainedErrors(t *testing.T) {
	rootCause := errors.New("dial tcp: connection refused")
	middleError := NewErrorWithCause(ErrorTypeConnection, "connection failed", rootCause)
	topError := NewErrorWithCause(ErrorTypeDatabase, "lookup failed", middleError)

	if !errors.Is(topError, rootCause) {
		t.Error("Expected root cause to be reachable")
	}

	// IsErrorType stops at the outermost GPAError.
	if IsConnection(topError) {
		t.Error("Expected outermost type to win")
	}

	var gpaErr GPAError
	if !errors.As(topError.Cause, &gpaErr) || gpaErr.Type != ErrorTypeConnection {
		t.Error("Expected connection error as cause")
	}
}
