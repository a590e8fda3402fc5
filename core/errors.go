package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Input errors
	ErrInvalidInput     = errors.New("invalid input")
	ErrMissingTraceID   = errors.New("trace id is required")
	ErrMissingOperation = errors.New("operation is required")
	ErrNegativeDepth    = errors.New("depth must not be negative")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrPatternExists  = errors.New("pattern already registered")
	ErrQueueFull      = errors.New("work queue full")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "Detector.Check")
	Kind    string // Error kind (e.g., "input", "config", "redis")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns "Op [ID]: Message: Err", leaving out the empty parts.
func (e *FrameworkError) Error() string {
	msg := e.Message
	switch {
	case msg != "" && e.Err != nil:
		msg = msg + ": " + e.Err.Error()
	case e.Err != nil:
		msg = e.Err.Error()
	case msg == "":
		msg = e.Kind + " error"
	}

	if e.Op == "" {
		return msg
	}
	if e.ID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, msg)
	}
	return e.Op + ": " + msg
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsInvalidInput checks if an error was caused by malformed caller input
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMissingTraceID) ||
		errors.Is(err, ErrMissingOperation) ||
		errors.Is(err, ErrNegativeDepth)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrPatternExists) ||
		errors.Is(err, ErrQueueFull)
}
