//go:build !linux

package vmo

import (
	"errors"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
)

// ErrSharedUnsupported is returned by NewShared on platforms without memfd
var ErrSharedUnsupported = errors.New("vmo: shared memory requires linux")

// Shared is unavailable on this platform
type Shared struct{}

// NewShared always fails on this platform
func NewShared(name string, size uint64) (*Shared, error) {
	return nil, ErrSharedUnsupported
}

func (s *Shared) Dup() (*Shared, error)                     { return nil, ErrSharedUnsupported }
func (s *Shared) Fd() int                                   { return -1 }
func (s *Shared) Size() uint64                              { return 0 }
func (s *Shared) ReadAt(p []byte, off int64) (int, error)  { return 0, ErrSharedUnsupported }
func (s *Shared) WriteAt(p []byte, off int64) (int, error) { return 0, ErrSharedUnsupported }
func (s *Shared) Bytes() []byte                             { return nil }
func (s *Shared) Close() error                              { return ErrSharedUnsupported }

var _ interfaces.VMO = (*Shared)(nil)
