// Package uring provides a BlockDevice backed by a file or block special
// file, with every transfer and flush submitted through io_uring.
//
// The ring implementation is built only with -tags iouring on Linux;
// elsewhere Open fails with ErrUnsupported.
package uring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// DefaultEntries is the default submission queue size
const DefaultEntries = 128

// ErrUnsupported is returned by Open when io_uring support was not built in
var ErrUnsupported = errors.New("uring: io_uring not enabled; build with -tags iouring")

// Config contains configuration for opening a ring-backed device
type Config struct {
	Path            string // File or block device to serve
	Entries         uint32 // Submission queue entries (default: 128)
	BlockSize       uint32 // Logical block size (default: 512)
	MaxTransferSize uint32 // Largest single transfer (default: 64KB)
	ReadOnly        bool

	Logger *logging.Logger
}

// withDefaults validates the config and fills in zero values
func (c Config) withDefaults() (Config, error) {
	if c.Path == "" {
		return c, fmt.Errorf("uring: no path: %w", wire.ErrInvalidArgs)
	}
	if c.Entries == 0 {
		c.Entries = DefaultEntries
	}
	if c.Entries&(c.Entries-1) != 0 {
		return c, fmt.Errorf("uring: entries %d is not a power of two: %w", c.Entries, wire.ErrInvalidArgs)
	}
	if c.BlockSize == 0 {
		c.BlockSize = constants.DefaultBlockSize
	}
	if c.BlockSize&(c.BlockSize-1) != 0 {
		return c, fmt.Errorf("uring: block size %d is not a power of two: %w", c.BlockSize, wire.ErrInvalidArgs)
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = constants.DefaultMaxTransferSize
	}
	if c.MaxTransferSize%c.BlockSize != 0 {
		return c, fmt.Errorf("uring: max transfer %d is not a multiple of block size %d: %w",
			c.MaxTransferSize, c.BlockSize, wire.ErrInvalidArgs)
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c, nil
}
