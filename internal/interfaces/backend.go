package interfaces

// Backend is synchronous byte-addressed storage. The async device adapter in
// internal/device turns a Backend into a BlockDevice.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	Size() int64

	// Close closes the backend and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error

	// Flush flushes any cached writes to stable storage.
	Flush() error
}

// DiscardBackend is an optional interface for backends that can release
// storage for a byte range. Discarded ranges read back as zeros.
type DiscardBackend interface {
	Backend

	Discard(offset, length int64) error
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]interface{}
}
