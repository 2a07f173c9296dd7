package queue

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("queue: manager closed")

// Error represents an error reported by the queue manager.
//
// Errors are reported for:
//   - Invalid requests: empty command or non-positive RequestID
//   - Rehydration failures: persisted records that cannot be read or decoded
//   - Durability failures: a write that could not be committed (Flush/Close only)
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RequestID identifies the affected request, if any.
	RequestID int64

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// ErrCodeInvalidRequest indicates a request failed validation.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeRehydrate indicates the persisted state could not be loaded.
	ErrCodeRehydrate ErrorCode = "REHYDRATE_FAILED"

	// ErrCodeDurability indicates dirty state could not be written to the store.
	ErrCodeDurability ErrorCode = "DURABILITY_FAILED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RequestID != 0 {
		msg = fmt.Sprintf("%s (request=%d)", msg, e.RequestID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsInvalid returns true if err is a request validation error.
func IsInvalid(err error) bool {
	return hasCode(err, ErrCodeInvalidRequest)
}

// IsDurability returns true if err reports a failed durable write.
func IsDurability(err error) bool {
	return hasCode(err, ErrCodeDurability)
}

// IsRehydrate returns true if err reports a failed startup load.
func IsRehydrate(err error) bool {
	return hasCode(err, ErrCodeRehydrate)
}

func hasCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}
