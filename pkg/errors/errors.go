package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"

	// Remote-call failures
	ErrorTypeConnection  ErrorType = "connection"
	ErrorTypeUnavailable ErrorType = "unavailable"

	// Interactive surface failures (pages, elements)
	ErrorTypeElementNotFound ErrorType = "element_not_found"
	ErrorTypeStaleElement    ErrorType = "stale_element"

	// Process host failures (browser crashed, session gone)
	ErrorTypeSessionLost ErrorType = "session_lost"

	// Engine outcomes
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeRecoveryExhausted ErrorType = "recovery_exhausted"
	ErrorTypeCanceled          ErrorType = "canceled"
)

// ErrInvalidArgument marks caller contract violations such as invoking a
// recovery recipe against a context that lacks the required capability.
var ErrInvalidArgument = stderrors.New("invalid argument")

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorType lets Classify read the type without a type switch.
func (e *AppError) ErrorType() ErrorType {
	return e.Type
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHORIZATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewConnectionError(endpoint, message string) *AppError {
	return NewAppError(ErrorTypeConnection, "CONNECTION_ERROR", message).
		WithDetail("endpoint", endpoint)
}

func NewUnavailableError(service, message string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "SERVICE_UNAVAILABLE", message).
		WithDetail("service", service)
}

// Surface and process errors
func NewElementNotFoundError(locator string) *AppError {
	return NewAppError(ErrorTypeElementNotFound, "ELEMENT_NOT_FOUND", fmt.Sprintf("element %s not found", locator)).
		WithDetail("locator", locator)
}

func NewStaleElementError(locator string) *AppError {
	return NewAppError(ErrorTypeStaleElement, "STALE_ELEMENT", fmt.Sprintf("element %s is no longer attached", locator)).
		WithDetail("locator", locator)
}

func NewSessionLostError(host, message string) *AppError {
	return NewAppError(ErrorTypeSessionLost, "SESSION_LOST", message).
		WithDetail("host", host)
}

// IsType checks if the error, or any error it wraps, is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var typed interface{ ErrorType() ErrorType }
	if stderrors.As(err, &typed) {
		return typed.ErrorType() == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	return Classify(err).Type
}
