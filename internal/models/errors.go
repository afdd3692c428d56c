package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the stable, machine-readable classification recorded on
// failed jobs.
type ErrorCode string

const (
	CodeInputError             ErrorCode = "input_error"
	CodeDetectionFailure       ErrorCode = "detection_failure"
	CodeCompositionFailure     ErrorCode = "composition_failure"
	CodeResourceExhausted      ErrorCode = "resource_exhausted"
	CodeStorageError           ErrorCode = "storage_error"
	CodeCancelled              ErrorCode = "cancelled"
	CodeInternal               ErrorCode = "internal"
	CodeWebhookDeliveryFailure ErrorCode = "webhook_delivery_failure"
)

// Error carries a code through wrapped error chains.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrCancelled) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrInput              = &Error{Code: CodeInputError}
	ErrDetectionFailure   = &Error{Code: CodeDetectionFailure}
	ErrCompositionFailure = &Error{Code: CodeCompositionFailure}
	ErrResourceExhausted  = &Error{Code: CodeResourceExhausted}
	ErrStorage            = &Error{Code: CodeStorageError}
	ErrCancelled          = &Error{Code: CodeCancelled}
)

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func InputError(format string, args ...interface{}) *Error {
	return NewError(CodeInputError, format, args...)
}

// CodeOf returns the code of the outermost *Error in err's chain, mapping
// bare context cancellation to CodeCancelled and anything else to CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeResourceExhausted
	}
	return CodeInternal
}

// IsRetryable reports whether err is a transient storage or network failure.
// Every other class is terminal.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStorageError
}

// ErrorInfoFrom renders err as the user-visible error recorded on a job.
func ErrorInfoFrom(err error, stage string) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: CodeOf(err), Stage: stage}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		info.Message = e.Message
		if e.Err != nil {
			info.Message = fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
	} else {
		info.Message = err.Error()
	}
	return info
}
