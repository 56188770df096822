package wire

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Status is the signed result code carried in responses and device completions.
// Zero is success; failures are negative.
type Status int32

const (
	OK              Status = 0
	ErrInternal     Status = -1
	ErrNotSupported Status = -2
	ErrNoResources  Status = -3
	ErrNoMemory     Status = -4
	ErrInvalidArgs  Status = -10
	ErrBadHandle    Status = -11
	ErrOutOfRange   Status = -14
	ErrBadState     Status = -20
	ErrShouldWait   Status = -22
	ErrPeerClosed   Status = -24
	ErrIO           Status = -40
)

var statusNames = map[Status]string{
	OK:              "OK",
	ErrInternal:     "INTERNAL",
	ErrNotSupported: "NOT_SUPPORTED",
	ErrNoResources:  "NO_RESOURCES",
	ErrNoMemory:     "NO_MEMORY",
	ErrInvalidArgs:  "INVALID_ARGS",
	ErrBadHandle:    "BAD_HANDLE",
	ErrOutOfRange:   "OUT_OF_RANGE",
	ErrBadState:     "BAD_STATE",
	ErrShouldWait:   "SHOULD_WAIT",
	ErrPeerClosed:   "PEER_CLOSED",
	ErrIO:           "IO",
}

// String returns the symbolic name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Error implements the error interface so statuses can travel as errors
func (s Status) Error() string {
	return "blkfifo: " + s.String()
}

// Err returns nil for OK and the status itself otherwise
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}

// StatusOf maps an error to the status reported on the wire
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}

	var s Status
	if errors.As(err, &s) {
		return s
	}

	var st interface{ Status() Status }
	if errors.As(err, &st) {
		return st.Status()
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrOutOfRange
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return statusFromErrno(errno)
	}

	return ErrIO
}

func statusFromErrno(errno syscall.Errno) Status {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrInvalidArgs
	case syscall.ENOMEM:
		return ErrNoMemory
	case syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
		return ErrNoResources
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrNotSupported
	case syscall.EBADF:
		return ErrBadHandle
	case syscall.EAGAIN:
		return ErrShouldWait
	case syscall.EPIPE:
		return ErrPeerClosed
	default:
		return ErrIO
	}
}
