// Package errors provides structured error types for the Sightline system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryDecode    ErrorCategory = "DECODE"
	ErrCategoryIdentity  ErrorCategory = "IDENTITY"
	ErrCategorySession   ErrorCategory = "SESSION"
	ErrCategoryNormalize ErrorCategory = "NORMALIZE"
	ErrCategoryBatch     ErrorCategory = "BATCH"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryFeed      ErrorCategory = "FEED"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decode codes
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeMissingField    = "MISSING_FIELD"

	// Identity codes
	CodeLookupFailed = "LOOKUP_FAILED"
	CodeUpsertFailed = "UPSERT_FAILED"
	CodeScanFailed   = "SCAN_FAILED"

	// Session codes
	CodeSequenceFailed = "SEQUENCE_FAILED"

	// Batch codes
	CodeEncodeFailed = "ENCODE_FAILED"
	CodeEmptyGroup   = "EMPTY_GROUP"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Feed codes
	CodeFetchFailed   = "FETCH_FAILED"
	CodeCommitFailed  = "COMMIT_FAILED"
	CodePublishFailed = "PUBLISH_FAILED"
	CodeRecordExpired = "RECORD_EXPIRED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Decode and
// normalization failures are permanent; storage and feed transport failures
// are transient.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryIdentity && code == CodeUpsertFailed:
		return true
	case category == ErrCategoryFeed && code == CodeFetchFailed:
		return true
	case category == ErrCategoryFeed && code == CodeCommitFailed:
		return true
	case category == ErrCategoryFeed && code == CodePublishFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(code, message string) *PipelineError {
	return New(ErrCategoryDecode, code, message)
}

func NewIdentityError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryIdentity, code, message, cause)
}

func NewSessionError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategorySession, code, message, cause)
}

func NewBatchError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryBatch, code, message, cause)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewFeedError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryFeed, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
