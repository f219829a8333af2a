// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Validation errors (100-199): Invalid configuration, parameters and symbols
//   - Storage errors (200-299): Store availability, schema and query failures
//   - Market data errors (700-799): Feed connectivity, malformed input, late and duplicate events
//   - Delivery errors (800-899): Subscriber transport failures and sustained overflow
//   - Persistence errors (900-999): Sink write failures and buffer overflow
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeInvalidConfiguration, "queue capacity must be positive")
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeFeedConnectFailed, "failed to dial feed", dialErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodeLateEvent) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// coded is implemented by the typed errors below so GetCode can classify them
// without them embedding *Error.
type coded interface {
	ErrorCode() ErrorCode
}

// GetCode extracts the ErrorCode of the outermost coded error in the chain,
// so a typed error keeps its own code when it wraps an *Error cause.
// Returns ErrCodeUnknown if no error in the chain carries a code.
func GetCode(err error) ErrorCode {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Code
		case coded:
			return e.ErrorCode()
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				if code := GetCode(inner); code != ErrCodeUnknown {
					return code
				}
			}

			return ErrCodeUnknown
		}

		err = errors.Unwrap(err)
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// MalformedInputError is returned when an inbound feed payload fails validation.
// The message is discarded; the pipeline keeps running.
type MalformedInputError struct {
	Reason  string // Human-readable reason
	Field   string // Offending field, empty when the whole payload is unreadable
	Payload []byte // Raw payload, kept for debug logging
	Cause   error
}

// NewMalformedInputError creates a new MalformedInputError.
func NewMalformedInputError(field, reason string, payload []byte, cause error) *MalformedInputError {
	return &MalformedInputError{
		Reason:  reason,
		Field:   field,
		Payload: payload,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *MalformedInputError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed input: %s: %s", e.Field, e.Reason)
	}

	return "malformed input: " + e.Reason
}

// Unwrap returns the underlying error cause.
func (e *MalformedInputError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns ErrCodeMalformedInput.
func (e *MalformedInputError) ErrorCode() ErrorCode {
	return ErrCodeMalformedInput
}

// IsMalformedInputError checks if an error is a MalformedInputError.
func IsMalformedInputError(err error) bool {
	var malformed *MalformedInputError

	return errors.As(err, &malformed)
}

// LateEventError is returned when an event belongs to an interval that has
// already been closed for its symbol.
type LateEventError struct {
	Symbol        string
	Interval      time.Duration
	IntervalStart time.Time // Interval the event would have been applied to
	ClosedThrough time.Time // Start of the most recently closed interval
}

// NewLateEventError creates a new LateEventError.
func NewLateEventError(symbol string, interval time.Duration, intervalStart, closedThrough time.Time) *LateEventError {
	return &LateEventError{
		Symbol:        symbol,
		Interval:      interval,
		IntervalStart: intervalStart,
		ClosedThrough: closedThrough,
	}
}

// Error implements the error interface.
func (e *LateEventError) Error() string {
	return fmt.Sprintf("late event for %s/%s: interval %s already closed through %s",
		e.Symbol, e.Interval, e.IntervalStart.Format(time.RFC3339), e.ClosedThrough.Format(time.RFC3339))
}

// ErrorCode returns ErrCodeLateEvent.
func (e *LateEventError) ErrorCode() ErrorCode {
	return ErrCodeLateEvent
}

// IsLateEventError checks if an error is a LateEventError.
func IsLateEventError(err error) bool {
	var late *LateEventError

	return errors.As(err, &late)
}
