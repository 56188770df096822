//go:build linux

package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// ErrLocked is returned when another process holds the image lock
var ErrLocked = errors.New("backend: image is locked by another process")

// FileOptions controls how an image is opened
type FileOptions struct {
	Size     int64 // Create or grow the image to this size; 0 keeps the current size
	ReadOnly bool
}

// File serves a regular file or block special file with positional I/O.
// The image is flock'ed for the lifetime of the backend: exclusively when
// writable, shared when read-only.
type File struct {
	path     string
	file     *os.File
	fd       int
	size     int64
	lock     *flock.Flock
	readOnly bool

	reads, writes, syncs, punches atomic.Uint64
}

// OpenFile opens the image at path
func OpenFile(path string, opts FileOptions) (*File, error) {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	} else if opts.Size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}

	lock := flock.New(path)
	var locked bool
	if opts.ReadOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}
	if !locked {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	b := &File{path: path, file: f, fd: int(f.Fd()), lock: lock, readOnly: opts.ReadOnly}
	if err := b.resize(opts.Size); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *File) resize(want int64) error {
	size, err := b.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("backend: size of %s: %w", b.path, err)
	}
	if want > size && !b.readOnly {
		if err := unix.Ftruncate(b.fd, want); err != nil {
			return fmt.Errorf("backend: grow %s to %d: %w", b.path, want, err)
		}
		size = want
	}
	b.size = size
	return nil
}

// ReadAt reads with pread(2). Reads past the end return io.EOF.
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("backend: negative offset %d: %w", off, wire.ErrInvalidArgs)
	}
	b.reads.Add(1)

	n := 0
	for n < len(p) {
		m, err := unix.Pread(b.fd, p[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

// WriteAt writes with pwrite(2). The image never grows through WriteAt.
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	if b.readOnly {
		return 0, fmt.Errorf("backend: %s is read-only: %w", b.path, wire.ErrNotSupported)
	}
	if off < 0 || off > b.size || int64(len(p)) > b.size-off {
		return 0, fmt.Errorf("backend: write of %d bytes at %d beyond end of %s: %w",
			len(p), off, b.path, wire.ErrOutOfRange)
	}
	b.writes.Add(1)

	n := 0
	for n < len(p) {
		m, err := unix.Pwrite(b.fd, p[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Discard punches a hole over [offset, offset+length). Filesystems that
// cannot punch holes get zeros written instead.
func (b *File) Discard(offset, length int64) error {
	if b.readOnly {
		return fmt.Errorf("backend: %s is read-only: %w", b.path, wire.ErrNotSupported)
	}
	if offset < 0 || length < 0 || offset > b.size || length > b.size-offset {
		return fmt.Errorf("backend: discard %d+%d: %w", offset, length, wire.ErrOutOfRange)
	}

	err := unix.Fallocate(b.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err == nil {
		b.punches.Add(1)
		return nil
	}
	if err != unix.EOPNOTSUPP && err != unix.ENOTSUP {
		return err
	}

	zeros := make([]byte, min(length, 1<<20))
	for length > 0 {
		chunk := min(length, int64(len(zeros)))
		if _, err := b.WriteAt(zeros[:chunk], offset); err != nil {
			return err
		}
		offset += chunk
		length -= chunk
	}
	return nil
}

// Size returns the image size in bytes
func (b *File) Size() int64 {
	return b.size
}

// Flush runs fdatasync(2)
func (b *File) Flush() error {
	if b.readOnly {
		return nil
	}
	b.syncs.Add(1)
	return unix.Fdatasync(b.fd)
}

// Close closes the image and drops the lock
func (b *File) Close() error {
	err := b.file.Close()
	if uerr := b.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Stats reports I/O counters
func (b *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "file",
		"path":      b.path,
		"size":      b.size,
		"read_only": b.readOnly,
		"reads":     b.reads.Load(),
		"writes":    b.writes.Load(),
		"syncs":     b.syncs.Load(),
		"punches":   b.punches.Load(),
	}
}

var (
	_ interfaces.Backend        = (*File)(nil)
	_ interfaces.DiscardBackend = (*File)(nil)
	_ interfaces.StatBackend    = (*File)(nil)
)
