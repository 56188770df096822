package interfaces

// VMO is a shared memory region registered with the server. Offsets are in
// bytes from the start of the region.
type VMO interface {
	Size() uint64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// Mapper is implemented by VMOs whose contents are directly addressable.
// Devices use it to transfer without a bounce buffer.
type Mapper interface {
	Bytes() []byte
}
