package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: engine timeouts, an engine returning an empty status payload.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by an external engine.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: a duplicate run id, a backwards state transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed identifiers, unknown kinds, missing tasks.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// CodeOf returns the code of the outermost EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the outermost EngineError in the chain.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeMalformedIdentifier = "MALFORMED_IDENTIFIER"
	ErrCodeUnknownKind         = "UNKNOWN_KIND"
	ErrCodeStrategyNotFound    = "STRATEGY_NOT_FOUND"
	ErrCodeTypeMismatch        = "TYPE_MISMATCH"
	ErrCodeDuplicateRun        = "DUPLICATE_RUN"
	ErrCodeTaskNotFound        = "TASK_NOT_FOUND"
	ErrCodeFunctionNotFound    = "FUNCTION_NOT_FOUND"
	ErrCodeExternalEngine      = "EXTERNAL_ENGINE"
	ErrCodeExternalEngineFatal = "EXTERNAL_ENGINE_FATAL"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeRunNotPublished     = "RUN_NOT_PUBLISHED"
)

// Sentinels for errors.Is. They carry only class and code.
var (
	ErrMalformedIdentifier = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMalformedIdentifier}
	ErrUnknownKind         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownKind}
	ErrStrategyNotFound    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStrategyNotFound}
	ErrTypeMismatch        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTypeMismatch}
	ErrDuplicateRun        = &EngineError{Class: ErrorClassConflict, Code: ErrCodeDuplicateRun}
	ErrTaskNotFound        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTaskNotFound}
	ErrFunctionNotFound    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeFunctionNotFound}
	ErrExternalEngine      = &EngineError{Class: ErrorClassTransient, Code: ErrCodeExternalEngine}
	ErrExternalEngineFatal = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeExternalEngineFatal}
	ErrInvalidTransition   = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInvalidTransition}
	ErrPolicyDenied        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrNotFound            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrValidation          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrRunNotPublished     = &EngineError{Class: ErrorClassTransient, Code: ErrCodeRunNotPublished}
)

// NewMalformedIdentifierError reports an identifier string that cannot be parsed.
func NewMalformedIdentifierError(value, reason string) *EngineError {
	return NewPermanentError(fmt.Sprintf("malformed identifier %q: %s", value, reason), nil).
		WithCode(ErrCodeMalformedIdentifier).
		WithDetail("value", value)
}

// NewUnknownKindError reports a kind with no registered implementation.
func NewUnknownKindError(kind string, entity EntityType) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown %s kind %q", entity, kind), nil).
		WithCode(ErrCodeUnknownKind).
		WithDetail("kind", kind).
		WithDetail("entity", string(entity))
}

// NewStrategyNotFoundError reports a dispatch registry miss.
func NewStrategyNotFoundError(registry, key string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no %s strategy registered for %q", registry, key), nil).
		WithCode(ErrCodeStrategyNotFound).
		WithDetail("registry", registry).
		WithDetail("key", key)
}

// NewTypeMismatchError reports a spec of the wrong concrete type handed to a runtime.
func NewTypeMismatchError(expected string, got interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf("expected %s, got %T", expected, got), nil).
		WithCode(ErrCodeTypeMismatch)
}

// NewDuplicateRunError reports a run id that already exists.
func NewDuplicateRunError(runID string) *EngineError {
	return NewConflictError("run already exists", nil).
		WithCode(ErrCodeDuplicateRun).
		WithResource(runID)
}

// NewTaskNotFoundError reports a run referencing a missing task.
func NewTaskNotFoundError(taskID string, err error) *EngineError {
	return NewPermanentError("task not found", err).
		WithCode(ErrCodeTaskNotFound).
		WithResource(taskID)
}

// NewFunctionNotFoundError reports a task referencing a missing function.
func NewFunctionNotFoundError(functionID string, err error) *EngineError {
	return NewPermanentError("function not found", err).
		WithCode(ErrCodeFunctionNotFound).
		WithResource(functionID)
}

// NewExternalEngineError reports a transient engine failure; the poller retries it.
func NewExternalEngineError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeExternalEngine)
}

// NewExternalEngineFatalError reports an engine failure that ends the run.
func NewExternalEngineFatalError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeExternalEngineFatal)
}

// NewInvalidTransitionError reports a state change the run state machine forbids.
func NewInvalidTransitionError(runID string, from, to State) *EngineError {
	return NewConflictError(fmt.Sprintf("invalid transition %s -> %s", from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(runID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewPolicyDeniedError reports a run rejected by admission policies.
func NewPolicyDeniedError(runID string, reasons []string) *EngineError {
	return NewPermanentError("run denied by policy", nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(runID).
		WithDetail("reasons", reasons)
}

// NewRunNotPublishedError reports a built run whose run.ready event was not
// accepted by the bus. The run stays BUILT until it is recovered.
func NewRunNotPublishedError(runID string, err error) *EngineError {
	return NewTransientError("run built but not dispatched", err).
		WithCode(ErrCodeRunNotPublished).
		WithResource(runID).
		WithOperation("publish")
}

// NewNotFoundError reports a missing repository record.
func NewNotFoundError(entity EntityType, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", entity), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewValidationError reports a spec or request that failed validation.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// IsNotFound returns true if err is a repository miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
