package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory partitions failures by who has to act on them: bad input,
// a violated business rule, or infrastructure.
type ErrorCategory string

const (
	ValidationError   ErrorCategory = "VALIDATION_ERROR"
	BusinessRuleError ErrorCategory = "BUSINESS_RULE_ERROR"
	SystemError       ErrorCategory = "SYSTEM_ERROR"
)

// Stable error codes carried across layers and into failure reasons.
const (
	CodeRateUnavailable = "RATE_UNAVAILABLE"
	CodeIllegalState    = "ILLEGAL_STATE"
	CodeNoExposures     = "NO_EXPOSURES"
	CodeNotFound        = "NOT_FOUND"
	CodeIOError         = "IO_ERROR"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeParseError      = "PARSE_ERROR"
	CodeStorageError    = "STORAGE_ERROR"
	CodeTimeout         = "TIMEOUT"
)

// Error is the typed error used throughout the engine. Code is stable and
// machine-readable; Message is for operators.
type Error struct {
	Code     string
	Category ErrorCategory
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a typed error with no underlying cause.
func NewError(code string, category ErrorCategory, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// WrapError builds a typed error around an underlying cause.
func WrapError(code string, category ErrorCategory, message string, cause error) *Error {
	return &Error{Code: code, Category: category, Message: message, cause: cause}
}

// AsError returns err as a typed Error, wrapping unknown errors as
// unexpected system errors so every failure carries a code and category.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: "UNEXPECTED_ERROR", Category: SystemError, Message: err.Error(), cause: err}
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}
