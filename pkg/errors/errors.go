package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
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
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeCancelled      ErrorType = "cancelled"
	ErrorTypeConfiguration  ErrorType = "configuration"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
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

// NewCircuitOpenError is returned locally when a breaker refuses a call
func NewCircuitOpenError(name, state string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker '%s' is %s", name, state)).
		WithDetail("breaker", name).
		WithDetail("state", state)
}

func NewCancelledError(operation string) *AppError {
	return NewAppError(ErrorTypeCancelled, "CANCELLED", fmt.Sprintf("%s cancelled", operation))
}

func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, "CONFIGURATION_ERROR", message)
}

// Sync-specific errors
func NewSyncError(dataset, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "SYNC_ERROR", message).
		WithDetail("dataset", dataset)
}

func NewUpstreamError(status int, message string) *AppError {
	return FromHTTPStatus("upstream", status, message)
}

// FromHTTPStatus maps an upstream HTTP status to a classified error
func FromHTTPStatus(service string, status int, message string) *AppError {
	var err *AppError
	switch {
	case status == http.StatusUnauthorized:
		err = NewAuthenticationError(message)
	case status == http.StatusForbidden:
		err = NewAuthorizationError(message)
	case status == http.StatusNotFound:
		err = NewNotFoundError(message)
	case status == http.StatusTooManyRequests:
		err = NewRateLimitError(message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		err = NewTimeoutError(message)
	case status >= 500:
		err = NewExternalError(service, message)
	case status >= 400:
		err = NewValidationError(message)
	default:
		err = NewExternalError(service, message)
	}
	return err.WithDetail("service", service).WithDetail("status", fmt.Sprintf("%d", status))
}

// IsType checks if the error, or any error it wraps, is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
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
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsCircuitOpen reports whether err is a local breaker rejection
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuitOpen)
}

// IsCancelled reports whether err stems from caller cancellation
func IsCancelled(err error) bool {
	return IsType(err, ErrorTypeCancelled) || stderrors.Is(err, context.Canceled)
}

// IsPermanent reports whether err must never be retried
func IsPermanent(err error) bool {
	switch GetTypeOrEmpty(err) {
	case ErrorTypeValidation, ErrorTypeAuthentication, ErrorTypeAuthorization,
		ErrorTypeNotFound, ErrorTypeConfiguration, ErrorTypeConflict:
		return true
	}
	return false
}

// IsTransient reports whether err is a network/availability failure that
// may succeed on retry. Unclassified errors are treated as transient only
// when they look like network errors or deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch GetTypeOrEmpty(err) {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeExternal:
		return true
	case "":
	default:
		return false
	}

	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// GetTypeOrEmpty returns the AppError type, or "" for foreign errors
func GetTypeOrEmpty(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}
