// Package domain defines core types, interfaces, and errors for pipeline
// status processing.
package domain

import (
	"errors"
	"fmt"
)

// ErrLeaseUnavailable is returned by a LeaseService when another holder owns
// the lease. It is an expected outcome, not a failure.
var ErrLeaseUnavailable = errors.New("lease is held by another process")

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// VersionConflictError indicates that a job row was modified by someone else
// since ExpectedVersion was observed. The write must be retried against fresh
// data.
type VersionConflictError struct {
	JobID           int64
	ExpectedVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("job %d: version %d is stale", e.JobID, e.ExpectedVersion)
}

// GraphIntegrityError indicates a cycle or a dangling "needs" reference in a
// job graph. It is never retryable: the graph was built incorrectly upstream.
type GraphIntegrityError struct {
	PipelineID int64
	Message    string
}

func (e *GraphIntegrityError) Error() string {
	if e.PipelineID != 0 {
		return fmt.Sprintf("pipeline %d: job graph integrity: %s", e.PipelineID, e.Message)
	}
	return "job graph integrity: " + e.Message
}

// RetryBudgetExhaustedError is returned when a job update kept conflicting
// after every allowed attempt.
type RetryBudgetExhaustedError struct {
	JobID    int64
	Attempts int
	Err      error
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("job %d: update retry budget exhausted after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *RetryBudgetExhaustedError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrGraphIntegrity creates a GraphIntegrityError with a formatted message.
func ErrGraphIntegrity(format string, args ...interface{}) *GraphIntegrityError {
	return &GraphIntegrityError{Message: fmt.Sprintf(format, args...)}
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}
