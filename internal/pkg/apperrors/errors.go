package apperrors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrTransient      ErrorType = "TRANSIENT"       // network/timeout; retry with backoff
	ErrQuota          ErrorType = "QUOTA"           // rate/slot exhaustion; handled by backpressure
	ErrValidation     ErrorType = "VALIDATION"      // risk reject, stale/invalid signal; discard
	ErrOrderLifecycle ErrorType = "ORDER_LIFECYCLE" // broker rejected or lost an order
	ErrConfig         ErrorType = "CONFIG"          // missing required settings; fatal at startup
	ErrInternal       ErrorType = "INTERNAL"
)

// AppError is the standard error struct for the engine
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: msg,
		Cause:   cause,
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return &AppError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

func NewTransient(msg string, cause error) *AppError {
	return New(ErrTransient, msg, cause)
}

func NewValidation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Retryable reports whether the error is worth retrying at all. Validation
// and lifecycle failures are final; only transient remote errors qualify.
func Retryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrTransient
	}
	return false
}

// IsType reports whether err carries the given taxonomy type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}
