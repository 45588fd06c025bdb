package engine

import (
	"errors"
	"fmt"
)

// InvariantError reports a custody invariant that a replayed state breaks.
type InvariantError struct {
	// Code identifies the invariant.
	Code InvariantCode

	// Message is a human-readable description.
	Message string

	// Details carries the values that disagree.
	Details map[string]string
}

// InvariantCode names a custody invariant.
type InvariantCode string

const (
	// ErrCodePooledMismatch: the vault's pooled balance differs from the
	// value the bank holds for it.
	ErrCodePooledMismatch InvariantCode = "POOLED_MISMATCH"

	// ErrCodeTotalMismatch: totalDeposited differs from deposits minus
	// withdrawals.
	ErrCodeTotalMismatch InvariantCode = "TOTAL_MISMATCH"

	// ErrCodeUnconsumedWithdrawal: a withdrawal executed without its authId
	// being consumed.
	ErrCodeUnconsumedWithdrawal InvariantCode = "UNCONSUMED_WITHDRAWAL"

	// ErrCodeLiveMismatch: the running engine's state differs from the
	// state its log replays to.
	ErrCodeLiveMismatch InvariantCode = "LIVE_MISMATCH"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvariantError returns true if err wraps an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// InvariantErrors unpacks the violations joined into err by Verify.
func InvariantErrors(err error) []*InvariantError {
	if err == nil {
		return nil
	}
	var out []*InvariantError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, InvariantErrors(e)...)
		}
		return out
	}
	var ie *InvariantError
	if errors.As(err, &ie) {
		out = append(out, ie)
	}
	return out
}

func newInvariantError(code InvariantCode, msg string, details map[string]string) *InvariantError {
	return &InvariantError{Code: code, Message: msg, Details: details}
}
