// Package vmo provides shared memory regions that clients register with the
// block server and devices transfer into and out of.
package vmo

import (
	"errors"
	"io"
	"sync"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

var (
	// ErrClosed is returned by every operation on a closed VMO
	ErrClosed = errors.New("vmo: closed")
	// ErrOutOfRange is returned for writes that do not fit in the region
	ErrOutOfRange = errors.New("vmo: access out of range")
)

func statusOf(err error) wire.Status {
	switch err {
	case ErrClosed:
		return wire.ErrBadHandle
	case ErrOutOfRange:
		return wire.ErrOutOfRange
	}
	return wire.ErrIO
}

// vmoError carries a wire status so StatusOf reports VMO failures precisely
type vmoError struct{ err error }

func (e vmoError) Error() string       { return e.err.Error() }
func (e vmoError) Unwrap() error       { return e.err }
func (e vmoError) Status() wire.Status { return statusOf(e.err) }

func wrap(err error) error {
	return vmoError{err: err}
}

// Memory is a heap-backed VMO. Concurrent transfers into disjoint ranges
// are safe; overlapping writers race as they would on real shared memory.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemory allocates a zero-filled region of size bytes
func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// FromBytes wraps b without copying. The caller must not resize b.
func FromBytes(b []byte) *Memory {
	return &Memory{data: b}
}

// Size returns the region size in bytes
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data))
}

// ReadAt implements io.ReaderAt over the region
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, wrap(ErrClosed)
	}
	return readAt(m.data, p, off)
}

// WriteAt implements io.WriterAt over the region. Writes never grow it.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, wrap(ErrClosed)
	}
	return writeAt(m.data, p, off)
}

// Bytes exposes the region for zero-copy transfers
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Close releases the region
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return wrap(ErrClosed)
	}
	m.closed = true
	m.data = nil
	return nil
}

// Closed reports whether Close has been called
func (m *Memory) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, wrap(ErrOutOfRange)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func writeAt(data, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(data)) || int64(len(p)) > int64(len(data))-off {
		return 0, wrap(ErrOutOfRange)
	}
	return copy(data[off:], p), nil
}

var (
	_ interfaces.VMO    = (*Memory)(nil)
	_ interfaces.Mapper = (*Memory)(nil)
)
