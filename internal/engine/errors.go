package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when registering with a closed Dispatcher.
	ErrClosed = errors.New("dispatcher closed")

	// ErrDuplicateService is returned when a service ID is already registered.
	ErrDuplicateService = errors.New("duplicate service id")

	// ErrServiceInUse is returned when a Service is already registered with
	// a Dispatcher.
	ErrServiceInUse = errors.New("service already registered")

	// ErrUnknownService is returned for lookups of an unregistered service ID.
	ErrUnknownService = errors.New("unknown service")

	// ErrStateType is returned when the requested state type does not match
	// the Service's Store.
	ErrStateType = errors.New("state type mismatch")

	// ErrDepthExceeded marks a corrective action dropped for exceeding
	// MaxDepth.
	ErrDepthExceeded = errors.New("max error depth exceeded")
)

// RuntimeError represents a condition detected while dispatching.
//
// Runtime errors never reach the Mutate caller. They are logged and recorded
// against the flow that produced them.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// FlowToken identifies the affected flow.
	FlowToken string

	// Kind is the action kind involved.
	Kind Kind

	// Details contains additional context.
	Details map[string]string

	cause error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected indicates a corrective action repeated within a flow.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeQuotaExceeded indicates the flow exceeded max steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeDepthExceeded indicates a corrective chain exceeded max depth.
	ErrCodeDepthExceeded RuntimeErrorCode = "DEPTH_EXCEEDED"

	// ErrCodeConversionViolation indicates ErrorToAction panicked or
	// returned nil.
	ErrCodeConversionViolation RuntimeErrorCode = "CONVERSION_VIOLATION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.FlowToken != "" && e.Kind != "" {
		return fmt.Sprintf("%s: %s (flow=%s, kind=%s)", e.Code, e.Message, e.FlowToken, e.Kind)
	}
	if e.FlowToken != "" {
		return fmt.Sprintf("%s: %s (flow=%s)", e.Code, e.Message, e.FlowToken)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s (kind=%s)", e.Code, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel the error corresponds to, if any.
func (e *RuntimeError) Unwrap() error { return e.cause }

// IsCycleError returns true if the error is a cycle detection error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCycleDetected
	}
	return false
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Matches both RuntimeError with ErrCodeQuotaExceeded and StepsExceededError.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeQuotaExceeded
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

// NewCycleError creates a RuntimeError for a repeated corrective action.
func NewCycleError(flowToken string, kind Kind, fieldsHash string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeCycleDetected,
		Message:   "corrective action already produced in flow",
		FlowToken: flowToken,
		Kind:      kind,
		Details:   map[string]string{"fields_hash": fieldsHash},
	}
}

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(flowToken string, steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeQuotaExceeded,
		Message:   fmt.Sprintf("flow exceeded max steps (%d > %d)", steps, maxSteps),
		FlowToken: flowToken,
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", steps),
			"max_steps": fmt.Sprintf("%d", maxSteps),
		},
	}
}

// NewDepthError creates a RuntimeError for a corrective action that would
// exceed maxDepth. It matches ErrDepthExceeded with errors.Is.
func NewDepthError(flowToken string, kind Kind, depth, maxDepth int) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeDepthExceeded,
		Message:   fmt.Sprintf("corrective action at depth %d exceeds max depth %d", depth, maxDepth),
		FlowToken: flowToken,
		Kind:      kind,
		Details: map[string]string{
			"depth":     fmt.Sprintf("%d", depth),
			"max_depth": fmt.Sprintf("%d", maxDepth),
		},
		cause: ErrDepthExceeded,
	}
}

// NewConversionError creates a RuntimeError for a broken ErrorToAction.
func NewConversionError(kind Kind, message string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeConversionViolation,
		Message: message,
		Kind:    kind,
	}
}
