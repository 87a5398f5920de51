package run

import (
	"fmt"
	"time"
)

// ErrorCode represents a structured error code attached to provider or
// configuration failures before classification.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrNetwork        ErrorCode = "NETWORK"
	ErrUpstream       ErrorCode = "UPSTREAM_ERROR"
)

// Error is a structured error with code, message, and provider metadata.
// Provider clients map raw transport failures into this type so the
// classifier can work from codes instead of guessing.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// TimeoutKind names the per-operation timeout budget that expired.
type TimeoutKind string

const (
	TimeoutRequest    TimeoutKind = "request"
	TimeoutConnect    TimeoutKind = "connect"
	TimeoutFirstToken TimeoutKind = "first_token"
	TimeoutStreamIdle TimeoutKind = "stream_idle"
)

// TimeoutError marks a cancellation that was caused by an expired timeout
// budget rather than user action. The configured budget is embedded in the
// message so the persisted record names the limit that was hit.
type TimeoutError struct {
	Kind   TimeoutKind
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Kind, e.Budget)
}
