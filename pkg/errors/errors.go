// Package errors defines the structured error type shared by the engine
// components, plus the sentinel errors callers branch on.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Severity classifies how bad an engine error is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Sentinel errors. These are the conditions callers are expected to test
// for with errors.Is.
var (
	// ErrRegistryFull is returned when the session registry is at capacity.
	// New connections are rejected fail-fast rather than queued.
	ErrRegistryFull = errors.New("session registry at capacity")

	// ErrShapeMismatch indicates a feature vector of the wrong length was
	// passed to the ensemble model. This is a programming-contract
	// violation, fatal to the single classification attempt.
	ErrShapeMismatch = errors.New("feature vector shape mismatch")

	// ErrSessionClosed is returned for operations on a session that has
	// already reached its terminal state.
	ErrSessionClosed = errors.New("session already closed")

	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrModelNotLoaded indicates inference was requested before a trained
	// model was loaded.
	ErrModelNotLoaded = errors.New("model not loaded")
)

// EngineError is a structured error carrying the component it originated
// from, a machine-readable type, and whether the condition is recoverable.
type EngineError struct {
	Component   string                 `json:"component"`
	ErrorType   string                 `json:"error_type"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Component, e.ErrorType, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// New creates an EngineError for the given component.
func New(component, errorType, message string, severity Severity, recoverable bool) *EngineError {
	return &EngineError{
		Component:   component,
		ErrorType:   errorType,
		Message:     message,
		Timestamp:   time.Now(),
		Severity:    severity,
		Recoverable: recoverable,
	}
}

// Wrap creates an EngineError wrapping an underlying cause.
func Wrap(cause error, component, errorType, message string, severity Severity, recoverable bool) *EngineError {
	err := New(component, errorType, message, severity, recoverable)
	err.Cause = cause
	return err
}

// WithDetails attaches structured detail fields to the error.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	e.Details = details
	return e
}
