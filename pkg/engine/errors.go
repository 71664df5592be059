// Package engine implements the AutoForge build orchestration core:
// the phase state machine, the prioritized task backlog, the stage
// runner, and the iterative develop/test/debug loop.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for the retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassInfra indicates an infrastructure failure (oracle or
	// harness unavailability, timeouts, rate limits). Retried with
	// bounded exponential backoff; never consumes a task's attempt budget.
	ErrorClassInfra ErrorClass = "infra"

	// ErrorClassSemantic indicates a semantic failure (tests fail, a
	// patch still fails). Consumes the task's attempt budget.
	ErrorClassSemantic ErrorClass = "semantic"

	// ErrorClassStructural indicates a request rejected synchronously at
	// the call that caused it (cycle detected, illegal status transition,
	// context over the size ceiling). Handled locally by the caller.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassFatal indicates an unrecoverable failure (progress store
	// write, workspace I/O). Aborts the current phase; the project
	// remains resumable from the last committed snapshot.
	ErrorClassFatal ErrorClass = "fatal"
)

// BuildError is a classified error with task and stage context.
type BuildError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// TaskID is the task being processed when the error occurred.
	TaskID string `json:"task_id,omitempty"`

	// Stage is the stage being executed when the error occurred.
	Stage Stage `json:"stage,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	switch {
	case e.TaskID != "" && e.Stage != "":
		return fmt.Sprintf("[%s] %s (task=%s, stage=%s)%s",
			e.Class, e.Message, e.TaskID, e.Stage, e.unwrapSuffix())
	case e.Stage != "":
		return fmt.Sprintf("[%s] %s (stage=%s)%s", e.Class, e.Message, e.Stage, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewInfraError creates a new infrastructure error.
func NewInfraError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassInfra, Message: message, Err: err}
}

// NewSemanticError creates a new semantic failure.
func NewSemanticError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassSemantic, Message: message, Err: err}
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassStructural, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassFatal, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *BuildError) WithCode(code string) *BuildError {
	e.Code = code
	return e
}

// WithTask adds task context.
func (e *BuildError) WithTask(taskID string) *BuildError {
	e.TaskID = taskID
	return e
}

// WithStage adds stage context.
func (e *BuildError) WithStage(stage Stage) *BuildError {
	e.Stage = stage
	return e
}

// WithDetail adds a detail field to the error context.
func (e *BuildError) WithDetail(key string, value interface{}) *BuildError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsInfra returns true if the error is classified as infrastructure.
func IsInfra(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInfra
	}
	return false
}

// IsSemantic returns true if the error is classified as semantic.
func IsSemantic(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassSemantic
	}
	return false
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassStructural
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsRetryable returns true if the error can be retried with backoff.
// Only infrastructure errors are retryable; semantic failures consume
// the task's attempt budget instead.
func IsRetryable(err error) bool {
	return IsInfra(err)
}

// CodeOf returns the error code of a BuildError, or "" for other errors.
func CodeOf(err error) string {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeContextTooLarge   = "CONTEXT_TOO_LARGE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInvalidResponse   = "INVALID_RESPONSE"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeHarnessDown       = "HARNESS_UNAVAILABLE"
	ErrCodeIO                = "IO_ERROR"
	ErrCodeStoreFailure      = "STORE_FAILURE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeCancelled         = "CANCELLED"
)

// ErrCancelled is returned by the development loop when a cooperative
// cancellation request is honored at the top of SELECT.
var ErrCancelled = &BuildError{
	Class:   ErrorClassStructural,
	Code:    ErrCodeCancelled,
	Message: "build cancelled",
}
