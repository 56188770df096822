package blkfifo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// Error is a structured error carrying the failed operation, the handles it
// involved and the wire status it maps to.
type Error struct {
	Op     string      // Operation that failed (e.g. "ATTACH_VMO", "SERVE")
	Txn    int         // Transaction id (-1 if not applicable)
	Vmoid  int         // Buffer handle (-1 if not applicable)
	Code   ErrorCode   // High-level category
	Status wire.Status // Wire status (OK if not applicable)
	Msg    string
	Inner  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Txn >= 0 {
		parts = append(parts, fmt.Sprintf("txn=%d", e.Txn))
	}
	if e.Vmoid >= 0 {
		parts = append(parts, fmt.Sprintf("vmoid=%d", e.Vmoid))
	}
	if e.Status != wire.OK {
		parts = append(parts, "status="+e.Status.String())
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("blkfifo: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "blkfifo: " + msg
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches ServerError sentinels and other *Error values by code, and
// wire statuses by status.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ServerError:
		return e.Code == ErrorCode(t)
	case *Error:
		return e.Code == t.Code
	case wire.Status:
		return e.Status != wire.OK && e.Status == t
	}
	return false
}

// StatusCode returns the wire status for this error
func (e *Error) StatusCode() wire.Status {
	if e.Status != wire.OK {
		return e.Status
	}
	return wire.StatusOf(e.Inner)
}

// ErrorCode is a high-level error category
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeNoResources       ErrorCode = "no resources"
	ErrCodeBadHandle         ErrorCode = "bad handle"
	ErrCodeBadState          ErrorCode = "bad state"
	ErrCodeNotSupported      ErrorCode = "not supported"
	ErrCodeOutOfRange        ErrorCode = "out of range"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodePeerClosed        ErrorCode = "peer closed"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeInternal          ErrorCode = "internal error"
)

// ServerError is a sentinel matched against *Error codes with errors.Is
type ServerError string

func (e ServerError) Error() string {
	return "blkfifo: " + string(e)
}

const (
	ErrInvalidParameters ServerError = "invalid parameters"
	ErrNoResources       ServerError = "no resources"
	ErrBadHandle         ServerError = "bad handle"
	ErrBadState          ServerError = "bad state"
	ErrNotSupported      ServerError = "not supported"
	ErrOutOfRange        ServerError = "out of range"
	ErrIOError           ServerError = "I/O error"
	ErrPeerClosed        ServerError = "peer closed"
	ErrTimeout           ServerError = "timeout"
)

// NewError creates a structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Txn: -1, Vmoid: -1, Code: code, Msg: msg}
}

// NewStatusError creates an error for a failed transaction reply
func NewStatusError(op string, txn uint16, status wire.Status) *Error {
	return &Error{
		Op:     op,
		Txn:    int(txn),
		Vmoid:  -1,
		Code:   codeForStatus(status),
		Status: status,
		Msg:    status.String(),
		Inner:  status,
	}
}

// WrapError wraps inner with operation context. Statuses carried by inner
// (directly or through an error chain) determine the code.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		wrapped := *se
		wrapped.Op = op
		return &wrapped
	}

	status := wire.StatusOf(inner)
	code := codeForStatus(status)
	if errors.Is(inner, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &Error{
		Op:     op,
		Txn:    -1,
		Vmoid:  -1,
		Code:   code,
		Status: status,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

func codeForStatus(s wire.Status) ErrorCode {
	switch s {
	case wire.ErrInvalidArgs:
		return ErrCodeInvalidParameters
	case wire.ErrNoResources, wire.ErrNoMemory:
		return ErrCodeNoResources
	case wire.ErrBadHandle:
		return ErrCodeBadHandle
	case wire.ErrBadState:
		return ErrCodeBadState
	case wire.ErrNotSupported:
		return ErrCodeNotSupported
	case wire.ErrOutOfRange:
		return ErrCodeOutOfRange
	case wire.ErrPeerClosed:
		return ErrCodePeerClosed
	case wire.ErrInternal:
		return ErrCodeInternal
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is an *Error with the given code
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsStatus reports whether err maps to the given wire status
func IsStatus(err error, status wire.Status) bool {
	if err == nil {
		return status == wire.OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode() == status
	}
	return wire.StatusOf(err) == status
}
