package contracts

import (
	"errors"
	"fmt"
)

// The error taxonomy separates what callers may retry from what they must
// not. Transport layers map these onto wire responses; nothing in this
// core speaks HTTP.

// ClientError marks malformed or temporally invalid evidence, or a
// request made in the wrong state. Rejected synchronously, no state
// change, retrying the same request is pointless.
type ClientError struct {
	Code   string
	Detail string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %s: %s", e.Code, e.Detail)
}

// NewClientError builds a ClientError with a stable machine-readable code.
func NewClientError(code, format string, args ...any) *ClientError {
	return &ClientError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError marks a duplicate or already-satisfied operation: the
// request was logically valid once, but has already been handled.
// Distinguished from ClientError so callers resolve against the current
// state (typically via the mailbox) instead of retrying business logic.
type ConflictError struct {
	Code   string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict %s: %s", e.Code, e.Detail)
}

// NewConflictError builds a ConflictError with a stable code.
func NewConflictError(code, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ErrServiceUnavailable is returned after bounded local retries of a
// transient infrastructure failure have been exhausted, and when a
// deposit-backed use case cannot proceed for lack of funds. The mediator
// is unavailable for this request; the client may retry later.
var ErrServiceUnavailable = errors.New("concent: service unavailable")

// IsClientError reports whether err is a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
