// Package errors provides a structured error system for Engram with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for Engram operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionStale   ErrorCode = "CONNECTION_STALE"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodePoolTimeout       ErrorCode = "POOL_TIMEOUT"
	ErrCodePoolClosed        ErrorCode = "POOL_CLOSED"

	// Durable tier errors
	ErrCodeRecordNotFound     ErrorCode = "RECORD_NOT_FOUND"
	ErrCodeDurableUnavailable ErrorCode = "DURABLE_UNAVAILABLE"
	ErrCodeStorageWrite       ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead        ErrorCode = "STORAGE_READ"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Cache tier errors
	ErrCodeCacheCorrupt ErrorCode = "CACHE_CORRUPT"
	ErrCodeCacheFull    ErrorCode = "CACHE_FULL"

	// Synchronization errors
	ErrCodeConflictDetected    ErrorCode = "CONFLICT_DETECTED"
	ErrCodeSyncTimeout         ErrorCode = "SYNC_TIMEOUT"
	ErrCodeBatchPartialFailure ErrorCode = "BATCH_PARTIAL_FAILURE"

	// State management errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCache         ErrorCategory = "cache"
	CategorySync          ErrorCategory = "sync"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// EngramError represents a structured error with context and metadata.
type EngramError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *EngramError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *EngramError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *EngramError) Is(target error) bool {
	if engramErr, ok := target.(*EngramError); ok {
		return e.Code == engramErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *EngramError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}

	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}

	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("EngramError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new Engram error with default values.
func NewError(code ErrorCode, message string) *EngramError {
	return &EngramError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new Engram error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *EngramError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_") ||
		strings.HasPrefix(codeStr, "POOL_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "RECORD_") || strings.HasPrefix(codeStr, "DURABLE_") ||
		strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "CIRCUIT_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "CONFLICT_") || strings.HasPrefix(codeStr, "SYNC_") ||
		strings.HasPrefix(codeStr, "BATCH_"):
		return CategorySync
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_INITIALIZED") ||
		strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
//
// Only transient conditions are retryable. Structural errors (conflicts,
// validation, not-found) surface immediately without retry.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeConnectionStale:   true,
		ErrCodeNetworkError:      true,
		ErrCodeOperationTimeout:  true,
		ErrCodeStorageWrite:      true,
		ErrCodeStorageRead:       true,
	}
	return retryableCodes[code]
}

// IsRetryable reports whether err carries a retryable Engram error.
func IsRetryable(err error) bool {
	if engramErr, ok := err.(*EngramError); ok {
		return engramErr.Retryable
	}
	return false
}

// CodeOf returns the error code carried by err, or ErrCodeInternalError for
// foreign errors.
func CodeOf(err error) ErrorCode {
	if engramErr, ok := err.(*EngramError); ok {
		return engramErr.Code
	}
	return ErrCodeInternalError
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") { // Skip frames from this file
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *EngramError) WithContext(key, value string) *EngramError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *EngramError) WithDetail(key string, value interface{}) *EngramError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *EngramError) WithComponent(component string) *EngramError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *EngramError) WithOperation(operation string) *EngramError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *EngramError) WithCause(cause error) *EngramError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability of the error.
func (e *EngramError) WithRetryable(retryable bool) *EngramError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *EngramError) WithStack() *EngramError {
	e.Stack = CaptureStack(2)
	return e
}
