package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// DefaultChunkSize is the granularity of blocks stored in a Bolt image
const DefaultChunkSize = 4096

var (
	bucketChunks = []byte("chunks")
	bucketMeta   = []byte("meta")
	keySize      = []byte("size")
	keyChunkSize = []byte("chunk_size")
)

// BoltOptions controls how a Bolt image is opened
type BoltOptions struct {
	Size      int64 // Required when creating; must match when reopening if set
	ChunkSize int64 // Defaults to DefaultChunkSize on creation
	NoSync    bool  // Skip fsync on commit; Flush syncs explicitly
	Timeout   time.Duration
}

// Bolt stores a sparse image in a bolt database. The image is split into
// fixed-size chunks keyed by big-endian chunk index; chunks that were never
// written, or were written with zeros, have no key and read as zeros.
type Bolt struct {
	db    *bolt.DB
	path  string
	size  int64
	chunk int64
}

// OpenBolt opens or creates the bolt image at path
func OpenBolt(path string, opts BoltOptions) (*Bolt, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	db.NoSync = opts.NoSync

	b := &Bolt{db: db, path: path}
	if err := db.Update(func(tx *bolt.Tx) error {
		return b.loadMeta(tx, opts)
	}); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bolt) loadMeta(tx *bolt.Tx, opts BoltOptions) error {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(bucketChunks); err != nil {
		return err
	}

	if v := meta.Get(keySize); v != nil {
		b.size = int64(binary.BigEndian.Uint64(v))
		b.chunk = int64(binary.BigEndian.Uint64(meta.Get(keyChunkSize)))
		if opts.Size != 0 && opts.Size != b.size {
			return fmt.Errorf("backend: %s holds a %d-byte image, not %d: %w", b.path, b.size, opts.Size, wire.ErrInvalidArgs)
		}
		if opts.ChunkSize != 0 && opts.ChunkSize != b.chunk {
			return fmt.Errorf("backend: %s uses %d-byte chunks, not %d: %w", b.path, b.chunk, opts.ChunkSize, wire.ErrInvalidArgs)
		}
		return nil
	}

	if opts.Size <= 0 {
		return fmt.Errorf("backend: new image %s needs a size: %w", b.path, wire.ErrInvalidArgs)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize < 0 || opts.ChunkSize&(opts.ChunkSize-1) != 0 {
		return fmt.Errorf("backend: chunk size %d is not a power of two: %w", opts.ChunkSize, wire.ErrInvalidArgs)
	}
	b.size, b.chunk = opts.Size, opts.ChunkSize
	if err := meta.Put(keySize, u64(uint64(b.size))); err != nil {
		return err
	}
	return meta.Put(keyChunkSize, u64(uint64(b.chunk)))
}

func u64(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

// chunks calls fn for every chunk piece of [off, off+n)
func (b *Bolt) chunks(off int64, n int, fn func(key []byte, chunkOff int64, lo, hi int) error) error {
	pos := 0
	for pos < n {
		abs := off + int64(pos)
		chunkOff := abs % b.chunk
		step := int(b.chunk - chunkOff)
		if step > n-pos {
			step = n - pos
		}
		if err := fn(u64(uint64(abs/b.chunk)), chunkOff, pos, pos+step); err != nil {
			return err
		}
		pos += step
	}
	return nil
}

// ReadAt reads from the image; reads past the end return io.EOF
func (b *Bolt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("backend: negative offset %d: %w", off, wire.ErrInvalidArgs)
	}
	if off >= b.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > b.size-off {
		n = int(b.size - off)
	}

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChunks)
		return b.chunks(off, n, func(key []byte, chunkOff int64, lo, hi int) error {
			if v := bucket.Get(key); v != nil {
				copy(p[lo:hi], v[chunkOff:])
			} else {
				clear(p[lo:hi])
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p in one bolt transaction
func (b *Bolt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > b.size || int64(len(p)) > b.size-off {
		return 0, fmt.Errorf("backend: write of %d bytes at %d beyond end of %s: %w", len(p), off, b.path, wire.ErrOutOfRange)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return b.store(tx.Bucket(bucketChunks), p, off)
	}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// store merges p into the chunks it covers. Chunks that end up all zero
// are deleted.
func (b *Bolt) store(bucket *bolt.Bucket, p []byte, off int64) error {
	return b.chunks(off, len(p), func(key []byte, chunkOff int64, lo, hi int) error {
		var chunk []byte
		if int64(hi-lo) == b.chunk {
			chunk = p[lo:hi]
		} else {
			chunk = make([]byte, b.chunk)
			if v := bucket.Get(key); v != nil {
				copy(chunk, v)
			} else if allZero(p[lo:hi]) {
				return nil
			}
			copy(chunk[chunkOff:], p[lo:hi])
		}
		if allZero(chunk) {
			return bucket.Delete(key)
		}
		return bucket.Put(key, chunk)
	})
}

// Discard drops chunks covered entirely and zeroes partial ones
func (b *Bolt) Discard(offset, length int64) error {
	if offset < 0 || length < 0 || offset > b.size || length > b.size-offset {
		return fmt.Errorf("backend: discard %d+%d: %w", offset, length, wire.ErrOutOfRange)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChunks)
		return b.chunks(offset, int(length), func(key []byte, chunkOff int64, lo, hi int) error {
			if int64(hi-lo) == b.chunk {
				return bucket.Delete(key)
			}
			v := bucket.Get(key)
			if v == nil {
				return nil
			}
			chunk := append([]byte(nil), v...)
			clear(chunk[chunkOff : chunkOff+int64(hi-lo)])
			if allZero(chunk) {
				return bucket.Delete(key)
			}
			return bucket.Put(key, chunk)
		})
	})
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Size returns the image size in bytes
func (b *Bolt) Size() int64 {
	return b.size
}

// Flush syncs the database file when commits skip fsync
func (b *Bolt) Flush() error {
	if b.db.NoSync {
		return b.db.Sync()
	}
	return nil
}

// Close closes the database
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Stats reports the number of stored chunks and transaction counts
func (b *Bolt) Stats() map[string]interface{} {
	var keys int
	_ = b.db.View(func(tx *bolt.Tx) error {
		keys = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	dbStats := b.db.Stats()
	return map[string]interface{}{
		"type":       "bolt",
		"path":       b.path,
		"size":       b.size,
		"chunk_size": b.chunk,
		"chunks":     keys,
		"allocated":  int64(keys) * b.chunk,
		"read_txns":  dbStats.TxN,
	}
}

var (
	_ interfaces.Backend        = (*Bolt)(nil)
	_ interfaces.DiscardBackend = (*Bolt)(nil)
	_ interfaces.StatBackend    = (*Bolt)(nil)
)
