package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassConfig indicates malformed manifests, profiles or configuration.
	// Raised before any network activity.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassResolution indicates a dependency graph that cannot be planned.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, artifact not yet published.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassSecurity indicates an integrity failure on downloaded content.
	// Never retried.
	ErrorClassSecurity ErrorClass = "security"

	// ErrorClassExecution indicates a lifecycle step exited non-zero or timed out.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassStorage indicates the ledger could not be read or written.
	ErrorClassStorage ErrorClass = "storage"

	// ErrorClassCancelled indicates the operation was interrupted by the caller.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassPermanent indicates any other non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the extension, file or target the error relates to.
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
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return newError(ErrorClassConfig, message, err)
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *EngineError {
	return newError(ErrorClassResolution, message, err)
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewSecurityError creates a new security error.
func NewSecurityError(message string, err error) *EngineError {
	return newError(ErrorClassSecurity, message, err)
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, message, err)
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *EngineError {
	return newError(ErrorClassStorage, message, err).WithCode(ErrCodeStorage)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err).WithCode(ErrCodeCancelled)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
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

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the class of the first EngineError in the chain.
// Context cancellation is reported as ErrorClassCancelled.
func ClassOf(err error) ErrorClass {
	if e, ok := asEngineError(err); ok {
		return e.Class
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	return ErrorClassPermanent
}

// CodeOf returns the code of the first EngineError in the chain.
func CodeOf(err error) string {
	if e, ok := asEngineError(err); ok {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsSecurity returns true for checksum and signature failures.
func IsSecurity(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassSecurity
}

// IsStorage returns true if the ledger failed.
func IsStorage(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassStorage
}

// IsCancelled returns true if the operation was cancelled.
func IsCancelled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassCancelled
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retryable; lifecycle steps are never retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Error codes.
const (
	ErrCodeMissingFile           = "MISSING_FILE"
	ErrCodeMalformedManifest     = "MALFORMED_MANIFEST"
	ErrCodeDuplicateName         = "DUPLICATE_NAME"
	ErrCodeMissingExtension      = "MISSING_EXTENSION"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeVersionConflict       = "VERSION_CONFLICT"
	ErrCodeConflictingExtensions = "CONFLICTING_EXTENSIONS"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeNetwork               = "NETWORK_ERROR"
	ErrCodeChecksumMismatch      = "CHECKSUM_MISMATCH"
	ErrCodeSignatureInvalid      = "SIGNATURE_INVALID"
	ErrCodeTemplate              = "TEMPLATE_ERROR"
	ErrCodeMissingVariable       = "MISSING_VARIABLE"
	ErrCodeExecutionFailed       = "EXECUTION_FAILED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeStorage               = "STORAGE"
	ErrCodePolicyDenied          = "POLICY_DENIED"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeValidation            = "VALIDATION_ERROR"
)

// Sentinel errors for errors.Is matching.
var (
	ErrMissingFile       = &EngineError{Class: ErrorClassConfig, Code: ErrCodeMissingFile}
	ErrMalformedManifest = &EngineError{Class: ErrorClassConfig, Code: ErrCodeMalformedManifest}
	ErrDuplicateName     = &EngineError{Class: ErrorClassConfig, Code: ErrCodeDuplicateName}
	ErrMissingExtension  = &EngineError{Class: ErrorClassResolution, Code: ErrCodeMissingExtension}
	ErrCyclicDependency  = &EngineError{Class: ErrorClassResolution, Code: ErrCodeCyclicDependency}
	ErrVersionConflict   = &EngineError{Class: ErrorClassResolution, Code: ErrCodeVersionConflict}
	ErrConflicting       = &EngineError{Class: ErrorClassResolution, Code: ErrCodeConflictingExtensions}
	ErrNotFound          = &EngineError{Class: ErrorClassTransient, Code: ErrCodeNotFound}
	ErrNetwork           = &EngineError{Class: ErrorClassTransient, Code: ErrCodeNetwork}
	ErrChecksumMismatch  = &EngineError{Class: ErrorClassSecurity, Code: ErrCodeChecksumMismatch}
	ErrSignatureInvalid  = &EngineError{Class: ErrorClassSecurity, Code: ErrCodeSignatureInvalid}
	ErrTemplate          = &EngineError{Class: ErrorClassConfig, Code: ErrCodeTemplate}
	ErrMissingVariable   = &EngineError{Class: ErrorClassConfig, Code: ErrCodeMissingVariable}
	ErrExecutionFailed   = &EngineError{Class: ErrorClassExecution, Code: ErrCodeExecutionFailed}
	ErrTimeout           = &EngineError{Class: ErrorClassExecution, Code: ErrCodeTimeout}
	ErrCancelled         = &EngineError{Class: ErrorClassCancelled, Code: ErrCodeCancelled}
	ErrStorage           = &EngineError{Class: ErrorClassStorage, Code: ErrCodeStorage}
	ErrPolicyDenied      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)
