package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "VALIDATION" // Bad input, never reaches a runner
	CategoryUpstream   ErrorCategory = "UPSTREAM"   // Source unavailable, private, geo-blocked
	CategoryNetwork    ErrorCategory = "NETWORK"    // Connection issues
	CategoryProcess    ErrorCategory = "PROCESS"    // Subprocess spawn/exit failures
	CategoryIO         ErrorCategory = "IO"         // File system issues
	CategoryContext    ErrorCategory = "CONTEXT"    // Context cancellation / deadline
	CategoryResource   ErrorCategory = "RESOURCE"   // Capacity exhaustion
	CategoryUnknown    ErrorCategory = "UNKNOWN"    // Unclassified errors
)

// JobError represents an error that occurred while validating, starting or
// executing a download job.
type JobError struct {
	Err        error         // Original error
	Category   ErrorCategory // General category
	Retryable  bool          // Whether retry is recommended
	Timestamp  time.Time     // When the error occurred
	Resource   string        // What resource was being accessed
	StatusCode int           // HTTP status code from the upstream, if any
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status: %d): %v", e.Category, e.Resource, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping.
func (e *JobError) Unwrap() error {
	return e.Err
}

// Common sentinel errors.
var (
	ErrInvalidURL        = New("invalid URL")
	ErrUnsupportedKind   = New("unsupported download kind")
	ErrTimeout           = New("job exceeded maximum duration")
	ErrTooManyJobs       = New("too many concurrent jobs")
	ErrSourceUnavailable = New("source unavailable")
)

// NewValidationError creates an input validation error. Never retryable.
func NewValidationError(err error, resource string) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryValidation,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewUpstreamError creates an error for an unavailable or rejected source.
func NewUpstreamError(err error, resource string, retryable bool) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryUpstream,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewNetworkError creates a network-related error.
func NewNetworkError(err error, resource string, retryable bool) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryNetwork,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewProcessError creates an error for a subprocess that failed to spawn or
// exited abnormally. Spawn failures are transient and eligible for retry.
func NewProcessError(err error, resource string, retryable bool) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryProcess,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewIOError creates an I/O related error.
func NewIOError(err error, resource string) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryIO,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewContextError creates a context cancellation error.
func NewContextError(err error, resource string) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryContext,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewResourceError creates a capacity exhaustion error.
func NewResourceError(err error, resource string) *JobError {
	return &JobError{
		Err:       err,
		Category:  CategoryResource,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewHTTPError classifies an upstream HTTP failure by status code.
func NewHTTPError(err error, resource string, statusCode int) *JobError {
	retryable := false
	category := CategoryNetwork

	switch {
	case statusCode >= 500 && statusCode != 501:
		retryable = true
	case statusCode == 429:
		retryable = true
	case statusCode == 401, statusCode == 403, statusCode == 404, statusCode == 410:
		category = CategoryUpstream
	case statusCode >= 400:
		category = CategoryUpstream
	}

	return &JobError{
		Err:        err,
		Category:   category,
		Retryable:  retryable,
		Timestamp:  time.Now(),
		Resource:   resource,
		StatusCode: statusCode,
	}
}

// IsRetryable determines if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var jobErr *JobError
	if As(err, &jobErr) {
		return jobErr.Retryable
	}

	return false
}

// Category extracts the category from an error.
func Category(err error) ErrorCategory {
	var jobErr *JobError
	if As(err, &jobErr) {
		return jobErr.Category
	}

	return CategoryUnknown
}

// GetStatusCode extracts the upstream status code from an error if available.
func GetStatusCode(err error) (int, bool) {
	var jobErr *JobError
	if As(err, &jobErr) && jobErr.StatusCode != 0 {
		return jobErr.StatusCode, true
	}

	return 0, false
}
