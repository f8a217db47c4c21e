package platform

import (
	"errors"
	"fmt"
)

// AdapterNotFoundError is returned when a bot names an adapter kind no factory is registered for.
type AdapterNotFoundError struct {
	Kind string
}

func (e *AdapterNotFoundError) Error() string {
	return fmt.Sprintf("adapter %q not found", e.Kind)
}

// ErrorCode classifies adapter failures.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeTimeout        ErrorCode = "TIMEOUT_ERROR"
	ErrCodeUnsupported    ErrorCode = "UNSUPPORTED"
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured adapter error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeConnection:
		return true
	default:
		return false
	}
}

// NewError creates an Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrUnsupported creates an error for operations the platform cannot perform.
func ErrUnsupported(message string) *Error {
	return NewError(ErrCodeUnsupported, message, nil)
}

// IsRetryable reports whether err is a retryable adapter error.
func IsRetryable(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}
