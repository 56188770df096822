// Package backend provides storage backends for the async block device
package backend

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// ShardSize is the allocation and locking granularity of Memory
const ShardSize = 64 * 1024

type shard struct {
	mu   sync.RWMutex
	data []byte // nil until first written, reads as zeros
}

// Memory is a sparse RAM disk. Storage is allocated per shard on first
// write and released again when a whole shard is discarded. Each shard has
// its own lock so transfers to different shards never contend.
type Memory struct {
	size      int64
	shards    []shard
	allocated atomic.Int64
}

// NewMemory creates a memory backend of the given size in bytes
func NewMemory(size int64) *Memory {
	if size < 0 {
		size = 0
	}
	return &Memory{
		size:   size,
		shards: make([]shard, (size+ShardSize-1)/ShardSize),
	}
}

// span calls fn for each shard piece of [off, off+n)
func (m *Memory) span(off int64, n int, fn func(s *shard, shardOff int64, lo, hi int)) {
	pos := 0
	for pos < n {
		idx := (off + int64(pos)) / ShardSize
		shardOff := (off + int64(pos)) % ShardSize
		chunk := int(ShardSize - shardOff)
		if chunk > n-pos {
			chunk = n - pos
		}
		fn(&m.shards[idx], shardOff, pos, pos+chunk)
		pos += chunk
	}
}

// ReadAt reads from the backend; unwritten ranges read as zeros.
// Reads that run past the end are truncated and return io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("backend: negative offset %d: %w", off, wire.ErrInvalidArgs)
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := len(p)
	if int64(n) > m.size-off {
		n = int(m.size - off)
	}
	m.span(off, n, func(s *shard, shardOff int64, lo, hi int) {
		s.mu.RLock()
		if s.data == nil {
			clear(p[lo:hi])
		} else {
			copy(p[lo:hi], s.data[shardOff:])
		}
		s.mu.RUnlock()
	})

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes to the backend. Writes that run past the end store the
// part that fits and fail with ErrOutOfRange.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("backend: negative offset %d: %w", off, wire.ErrInvalidArgs)
	}
	if off >= m.size {
		return 0, fmt.Errorf("backend: write at %d beyond end of device: %w", off, wire.ErrOutOfRange)
	}

	n := len(p)
	if int64(n) > m.size-off {
		n = int(m.size - off)
	}
	m.span(off, n, func(s *shard, shardOff int64, lo, hi int) {
		s.mu.Lock()
		if s.data == nil {
			s.data = make([]byte, ShardSize)
			m.allocated.Add(ShardSize)
		}
		copy(s.data[shardOff:], p[lo:hi])
		s.mu.Unlock()
	})

	if n < len(p) {
		return n, fmt.Errorf("backend: write of %d bytes at %d truncated: %w", len(p), off, wire.ErrOutOfRange)
	}
	return n, nil
}

// Discard zeroes [offset, offset+length). Shards covered entirely are freed.
func (m *Memory) Discard(offset, length int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("backend: discard %d+%d: %w", offset, length, wire.ErrInvalidArgs)
	}
	if offset >= m.size {
		return nil
	}
	if length > m.size-offset {
		length = m.size - offset
	}

	m.span(offset, int(length), func(s *shard, shardOff int64, lo, hi int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.data == nil {
			return
		}
		if shardOff == 0 && hi-lo == ShardSize {
			s.data = nil
			m.allocated.Add(-ShardSize)
			return
		}
		clear(s.data[shardOff : shardOff+int64(hi-lo)])
	})
	return nil
}

// Size returns the backend size in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases all storage
func (m *Memory) Close() error {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.data = nil
		s.mu.Unlock()
	}
	m.allocated.Store(0)
	return nil
}

// Flush is a no-op
func (m *Memory) Flush() error {
	return nil
}

// Stats reports size and allocation
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"shards":    len(m.shards),
		"allocated": m.allocated.Load(),
	}
}

var (
	_ interfaces.Backend        = (*Memory)(nil)
	_ interfaces.DiscardBackend = (*Memory)(nil)
	_ interfaces.StatBackend    = (*Memory)(nil)
)
