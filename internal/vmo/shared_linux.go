//go:build linux

package vmo

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
)

// mapping is one memfd and its mmap, shared by every duplicate handle
type mapping struct {
	fd   int
	data []byte
	refs atomic.Int32
}

func (m *mapping) decRef() error {
	if m.refs.Add(-1) != 0 {
		return nil
	}
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
	}
	if err := unix.Close(m.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close memfd: %w", err)
	}
	return firstErr
}

// Shared is a memfd-backed VMO. Duplicates made with Dup refer to the same
// memory; the mapping is released when the last handle is closed.
type Shared struct {
	m      *mapping
	mu     sync.RWMutex
	closed bool
}

// NewShared creates an anonymous memfd of size bytes and maps it read/write
func NewShared(name string, size uint64) (*Shared, error) {
	if size == 0 {
		return nil, fmt.Errorf("shared vmo %q: size must be non-zero", name)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap memfd: %w", err)
	}

	m := &mapping{fd: fd, data: data}
	m.refs.Store(1)
	return &Shared{m: m}, nil
}

// Dup returns a second handle to the same memory
func (s *Shared) Dup() (*Shared, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrap(ErrClosed)
	}
	s.m.refs.Add(1)
	return &Shared{m: s.m}, nil
}

// Fd returns the memfd descriptor, valid until the last handle is closed
func (s *Shared) Fd() int {
	return s.m.fd
}

// Size returns the region size in bytes
func (s *Shared) Size() uint64 {
	return uint64(len(s.m.data))
}

// ReadAt implements io.ReaderAt over the mapping
func (s *Shared) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrap(ErrClosed)
	}
	return readAt(s.m.data, p, off)
}

// WriteAt implements io.WriterAt over the mapping
func (s *Shared) WriteAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrap(ErrClosed)
	}
	return writeAt(s.m.data, p, off)
}

// Bytes exposes the mapping for zero-copy transfers
func (s *Shared) Bytes() []byte {
	return s.m.data
}

// Close drops this handle's reference to the mapping
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrap(ErrClosed)
	}
	s.closed = true
	return s.m.decRef()
}

var (
	_ interfaces.VMO    = (*Shared)(nil)
	_ interfaces.Mapper = (*Shared)(nil)
)
