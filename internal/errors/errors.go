// Package errors provides structured error types for the benchmark harness.
// Every error carries a category, code and message. Errors raised while a
// workload runs also carry the rank and phase that failed, so a fatal
// diagnostic names where the run stopped.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorCategory classifies errors by the stage that detected them.
type ErrorCategory string

const (
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryResolution ErrorCategory = "RESOLUTION"
	ErrCategoryBackend    ErrorCategory = "BACKEND"
	ErrCategoryIntegrity  ErrorCategory = "INTEGRITY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeUnreadable    = "UNREADABLE"
	CodeMalformed     = "MALFORMED"
	CodeMissingField  = "MISSING_FIELD"
	CodeWrongType     = "WRONG_TYPE"
	CodeOutOfRange    = "OUT_OF_RANGE"
	CodeStringTooLong = "STRING_TOO_LONG"
	CodeInvalidValue  = "INVALID_VALUE"
	CodeInvalidParams = "INVALID_PARAMS"
	CodeUnsupported   = "UNSUPPORTED"

	// Resolution codes
	CodeUnknownBackend = "UNKNOWN_BACKEND"
	CodeUnknownFilter  = "UNKNOWN_FILTER"

	// Backend codes
	CodeOperationFailed = "OPERATION_FAILED"
	CodeDatasetMismatch = "DATASET_MISMATCH"
	CodeDatasetNotFound = "DATASET_NOT_FOUND"

	// Integrity codes
	CodeValueMismatch = "VALUE_MISMATCH"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
	CodeAborted    = "ABORTED"
)

// NoRank marks an error raised outside any rank, e.g. while parsing config.
const NoRank = -1

// BenchError is the structured error type used throughout the harness.
type BenchError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Rank     int
	Phase    string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *BenchError) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Category, e.Code)
	if e.Rank != NoRank {
		prefix += fmt.Sprintf(" rank %d", e.Rank)
	}
	if e.Phase != "" {
		prefix += fmt.Sprintf(" phase %s", e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *BenchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *BenchError) Is(target error) bool {
	var t *BenchError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new BenchError.
func New(category ErrorCategory, code, message string) *BenchError {
	return &BenchError{
		Category: category,
		Code:     code,
		Message:  message,
		Rank:     NoRank,
	}
}

// Wrap creates a new BenchError wrapping an existing error. The cause is
// annotated with a stack trace unless it already is a BenchError.
func Wrap(category ErrorCategory, code, message string, cause error) *BenchError {
	var be *BenchError
	if cause != nil && !errors.As(cause, &be) {
		cause = pkgerrors.WithStack(cause)
	}
	return &BenchError{
		Category: category,
		Code:     code,
		Message:  message,
		Rank:     NoRank,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *BenchError) WithDetails(details map[string]interface{}) *BenchError {
	cp := *e
	cp.Details = details
	return &cp
}

// At returns a copy of the error attributed to a rank and phase.
func (e *BenchError) At(rank int, phase string) *BenchError {
	cp := *e
	cp.Rank = rank
	cp.Phase = phase
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCategory(err error) ErrorCategory {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCode(err error) string {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// GetPhase extracts the failing phase, if one was recorded.
func GetPhase(err error) string {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Phase
	}
	return ""
}

// GetRank extracts the failing rank, or NoRank.
func GetRank(err error) int {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Rank
	}
	return NoRank
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *BenchError {
	return New(ErrCategoryConfig, code, message)
}

func NewResolutionError(code, message string) *BenchError {
	return New(ErrCategoryResolution, code, message)
}

func NewBackendError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryBackend, code, message, cause)
}

func NewIntegrityError(message string) *BenchError {
	return New(ErrCategoryIntegrity, CodeValueMismatch, message)
}

func NewInternalError(message string, cause error) *BenchError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Configf is shorthand for a formatted config error.
func Configf(code, format string, args ...interface{}) *BenchError {
	return New(ErrCategoryConfig, code, fmt.Sprintf(format, args...))
}
