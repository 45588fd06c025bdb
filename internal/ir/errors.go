package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a rejected operation.
type ErrorCode string

const (
	// Validation: caller must correct the input.
	CodeInvalidRecipient     ErrorCode = "INVALID_RECIPIENT"
	CodeInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	CodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"

	// Authorization: terminal for the presented authId.
	CodeAlreadyConsumed       ErrorCode = "ALREADY_CONSUMED"
	CodeCallerMismatch        ErrorCode = "CALLER_MISMATCH"
	CodeAuthorizationRejected ErrorCode = "AUTHORIZATION_REJECTED"

	// Resources: may succeed later with a smaller amount or more deposits.
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"

	// Transfer: the value movement failed and the operation was rolled back.
	CodeTransferFailed ErrorCode = "TRANSFER_FAILED"

	// Arithmetic: a 256-bit computation would wrap.
	CodeArithmeticOverflow ErrorCode = "ARITHMETIC_OVERFLOW"
)

// Error is a rejected custody operation.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidRecipient      = &Error{Code: CodeInvalidRecipient}
	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount}
	ErrInvalidConfiguration  = &Error{Code: CodeInvalidConfiguration}
	ErrAlreadyConsumed       = &Error{Code: CodeAlreadyConsumed}
	ErrCallerMismatch        = &Error{Code: CodeCallerMismatch}
	ErrAuthorizationRejected = &Error{Code: CodeAuthorizationRejected}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance}
	ErrTransferFailed        = &Error{Code: CodeTransferFailed}
	ErrArithmeticOverflow    = &Error{Code: CodeArithmeticOverflow}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that wraps a cause.
func WrapError(code ErrorCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsReplay reports whether err rejects an authId that was already consumed.
func IsReplay(err error) bool {
	return CodeOf(err) == CodeAlreadyConsumed
}

// IsCallerMismatch reports whether err rejects a caller that is not the
// claimed vault.
func IsCallerMismatch(err error) bool {
	return CodeOf(err) == CodeCallerMismatch
}

// IsAuthorizationError reports whether err is any authorization rejection.
func IsAuthorizationError(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyConsumed, CodeCallerMismatch, CodeAuthorizationRejected:
		return true
	}
	return false
}
