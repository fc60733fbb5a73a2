package broker

import (
	gerrors "errors"
	"fmt"
)

const (
	ErrCodeUnknownError       = 1
	ErrCodeConfiguration      = 2
	ErrCodeNotInitialized     = 3
	ErrCodeAlreadyInitialized = 4
	ErrCodeUnknownTopic       = 5
	ErrCodeUnknownSubscriber  = 6
	ErrCodeNotSubscribed      = 7
	ErrCodeHandlerFailure     = 8
	ErrCodeInterrupted        = 9
	ErrCodeClosed             = 10
)

var (
	ErrConfiguration = &Error{
		Code:        ErrCodeConfiguration,
		Description: "invalid configuration",
	}

	ErrNotInitialized = &Error{
		Code:        ErrCodeNotInitialized,
		Description: "broker not initialized",
	}

	ErrAlreadyInitialized = &Error{
		Code:        ErrCodeAlreadyInitialized,
		Description: "broker already initialized",
	}

	ErrUnknownTopic = &Error{
		Code:        ErrCodeUnknownTopic,
		Description: "unknown topic",
	}

	ErrUnknownSubscriber = &Error{
		Code:        ErrCodeUnknownSubscriber,
		Description: "unknown subscriber",
	}

	ErrNotSubscribed = &Error{
		Code:        ErrCodeNotSubscribed,
		Description: "not subscribed to topic",
	}

	ErrHandlerFailure = &Error{
		Code:        ErrCodeHandlerFailure,
		Description: "handler failed",
	}

	ErrInterrupted = &Error{
		Code:        ErrCodeInterrupted,
		Description: "interrupted",
	}

	ErrClosed = &Error{
		Code:        ErrCodeClosed,
		Description: "broker closed",
	}
)

// Error is an error returned by a broker, formatted as:
//
//	<code>|<description>[: <cause>]
//
// Two Errors match under errors.Is whenever their codes match, so callers can test a detailed error
// against the sentinels above, for example errors.Is(err, ErrUnknownTopic).
type Error struct {
	Code        uint8
	Description string
	cause       error
}

func (err *Error) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("%d|%s: %v", err.Code, err.Description, err.cause)
	}
	return fmt.Sprintf("%d|%s", err.Code, err.Description)
}

func (err *Error) Is(target error) bool {
	typed, ok := target.(*Error)
	return ok && typed.Code == err.Code
}

func (err *Error) Unwrap() error {
	return err.cause
}

// Withf returns a copy of err with the formatted detail appended to its description.
func (err *Error) Withf(format string, args ...interface{}) *Error {
	return &Error{
		Code:        err.Code,
		Description: err.Description + ": " + fmt.Sprintf(format, args...),
		cause:       err.cause,
	}
}

// WithCause returns a copy of err that wraps cause.
func (err *Error) WithCause(cause error) *Error {
	return &Error{
		Code:        err.Code,
		Description: err.Description,
		cause:       cause,
	}
}

// TypedError returns err as an *Error, wrapping it in an unknown error if it isn't one already.
func TypedError(err error) *Error {
	var typed *Error
	if gerrors.As(err, &typed) {
		return typed
	}
	return &Error{Code: ErrCodeUnknownError, Description: "unknown error", cause: err}
}
