package blkfifo

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

func TestStructuredError(t *testing.T) {
	err := NewError("ATTACH_VMO", ErrCodeInvalidParameters, "nil buffer")

	if err.Op != "ATTACH_VMO" {
		t.Errorf("Expected Op=ATTACH_VMO, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "blkfifo: nil buffer (op=ATTACH_VMO)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestStatusError(t *testing.T) {
	err := NewStatusError("TXN", 7, wire.ErrOutOfRange)

	expected := "blkfifo: OUT_OF_RANGE (op=TXN, txn=7, status=OUT_OF_RANGE)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Error("status error should match ErrOutOfRange")
	}
	if !errors.Is(err, wire.ErrOutOfRange) {
		t.Error("status error should match wire.ErrOutOfRange")
	}
	if wire.StatusOf(err) != wire.ErrOutOfRange {
		t.Errorf("StatusOf = %v, want OUT_OF_RANGE", wire.StatusOf(err))
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("ALLOCATE_TXN", fmt.Errorf("table full: %w", wire.ErrNoResources))

	if err.Code != ErrCodeNoResources {
		t.Errorf("Expected Code=ErrCodeNoResources, got %s", err.Code)
	}
	if err.Status != wire.ErrNoResources {
		t.Errorf("Expected Status=NO_RESOURCES, got %v", err.Status)
	}
	if !errors.Is(err, wire.ErrNoResources) {
		t.Error("wrapped error should satisfy errors.Is for the inner status")
	}
	if WrapError("X", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestWrapErrorKeepsStructure(t *testing.T) {
	inner := NewStatusError("TXN", 3, wire.ErrIO)
	err := WrapError("CLIENT_WRITE", fmt.Errorf("flush: %w", inner))

	if err.Op != "CLIENT_WRITE" || err.Txn != 3 || err.Status != wire.ErrIO {
		t.Errorf("unexpected rewrap: %+v", err)
	}
}

func TestWrapErrorErrnoAndTimeout(t *testing.T) {
	if err := WrapError("READ", syscall.EINVAL); err.Code != ErrCodeInvalidParameters {
		t.Errorf("EINVAL code = %s", err.Code)
	}
	if err := WrapError("READ", syscall.EIO); err.Code != ErrCodeIOError {
		t.Errorf("EIO code = %s", err.Code)
	}
	if err := WrapError("WAIT", context.DeadlineExceeded); !errors.Is(err, ErrTimeout) {
		t.Errorf("deadline code = %s", err.Code)
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinel error = ErrBadHandle

	if !errors.Is(&Error{Code: ErrCodeBadHandle, Txn: -1, Vmoid: -1}, ErrBadHandle) {
		t.Error("structured error should match sentinel via errors.Is")
	}
	if sentinel.Error() != "blkfifo: bad handle" {
		t.Errorf("Expected sentinel error message, got %q", sentinel.Error())
	}
	if !errors.Is(WrapError("CLOSE_VMO", wire.ErrBadHandle), ErrBadHandle) {
		t.Error("wrapped BAD_HANDLE should match ErrBadHandle")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("SERVE", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status wire.Status
		want   bool
	}{
		{"nil is OK", nil, wire.OK, true},
		{"nil is not IO", nil, wire.ErrIO, false},
		{"bare status", wire.ErrBadState, wire.ErrBadState, true},
		{"structured", NewStatusError("TXN", 1, wire.ErrIO), wire.ErrIO, true},
		{"structured mismatch", NewStatusError("TXN", 1, wire.ErrIO), wire.ErrInvalidArgs, false},
		{"errno", syscall.EINVAL, wire.ErrInvalidArgs, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStatus(tt.err, tt.status); got != tt.want {
				t.Errorf("IsStatus(%v, %v) = %v, want %v", tt.err, tt.status, got, tt.want)
			}
		})
	}
}

func TestStatusCodeMapping(t *testing.T) {
	testCases := []struct {
		status   wire.Status
		expected ErrorCode
	}{
		{wire.ErrInvalidArgs, ErrCodeInvalidParameters},
		{wire.ErrNoResources, ErrCodeNoResources},
		{wire.ErrNoMemory, ErrCodeNoResources},
		{wire.ErrBadHandle, ErrCodeBadHandle},
		{wire.ErrBadState, ErrCodeBadState},
		{wire.ErrNotSupported, ErrCodeNotSupported},
		{wire.ErrOutOfRange, ErrCodeOutOfRange},
		{wire.ErrPeerClosed, ErrCodePeerClosed},
		{wire.ErrIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		if code := codeForStatus(tc.status); code != tc.expected {
			t.Errorf("codeForStatus(%v) = %s, want %s", tc.status, code, tc.expected)
		}
	}
}
