//go:build !linux

package backend

import (
	"errors"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// ErrLocked is returned when another process holds the image lock
var ErrLocked = errors.New("backend: image is locked by another process")

// FileOptions controls how an image is opened
type FileOptions struct {
	Size     int64
	ReadOnly bool
}

// File is only available on Linux
type File struct{}

// OpenFile always fails on this platform
func OpenFile(path string, opts FileOptions) (*File, error) {
	return nil, wire.ErrNotSupported
}

func (b *File) ReadAt(p []byte, off int64) (int, error)  { return 0, wire.ErrNotSupported }
func (b *File) WriteAt(p []byte, off int64) (int, error) { return 0, wire.ErrNotSupported }
func (b *File) Size() int64                              { return 0 }
func (b *File) Close() error                             { return nil }
func (b *File) Flush() error                             { return nil }
