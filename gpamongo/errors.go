package gpamongo

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lemmego/gpa-core"
)

// =====================================
// Error Conversion
// =====================================

// convertMongoError converts MongoDB errors to GPA errors
func convertMongoError(err error) error {
	if err == nil {
		return nil
	}
	var gpaErr gpa.GPAError
	if errors.As(err, &gpaErr) {
		return err
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeNotFound,
			Message: "document not found",
			Cause:   err,
		}
	case errors.Is(err, mongo.ErrNilDocument), errors.Is(err, mongo.ErrNilValue):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeValidation,
			Message: "nil document provided",
			Cause:   err,
		}
	case mongo.IsDuplicateKeyError(err):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeDuplicate,
			Message: "duplicate key violation",
			Cause:   err,
		}
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeTimeout,
			Message: "operation timeout",
			Cause:   err,
		}
	case mongo.IsNetworkError(err):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == 121 { // Document validation failed
				return gpa.GPAError{
					Type:    gpa.ErrorTypeValidation,
					Message: "document validation failed",
					Cause:   err,
				}
			}
		}
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 26: // NamespaceNotFound
			return gpa.GPAError{
				Type:    gpa.ErrorTypeNotFound,
				Message: "collection not found",
				Cause:   err,
			}
		case 13, 18: // Unauthorized, AuthenticationFailed
			return gpa.GPAError{
				Type:    gpa.ErrorTypeConnection,
				Message: "unauthorized access",
				Cause:   err,
			}
		case 40324, 168: // Unrecognized pipeline stage, InvalidPipelineOperator
			return gpa.GPAError{
				Type:    gpa.ErrorTypeUnsupported,
				Message: "pipeline not supported by server",
				Cause:   err,
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid") {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeValidation,
			Message: "validation error",
			Cause:   err,
		}
	}

	return gpa.GPAError{
		Type:    gpa.ErrorTypeDatabase,
		Message: "database operation failed",
		Cause:   err,
	}
}
