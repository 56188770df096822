package interfaces

// DeviceInfo describes the geometry of a block device.
type DeviceInfo struct {
	// BlockSize is the logical block size in bytes
	BlockSize uint32
	// BlockCount is the number of logical blocks
	BlockCount uint64
	// MaxTransferSize is the largest single transfer in bytes; 0 means unlimited
	MaxTransferSize uint32
}

// Size returns the device capacity in bytes
func (i DeviceInfo) Size() uint64 {
	return uint64(i.BlockSize) * i.BlockCount
}

// CompletionFunc is invoked exactly once for every submitted operation with
// the cookie passed at submission. It may run before the submitting call
// returns and on any goroutine.
type CompletionFunc func(cookie any, err error)

// BlockDevice is the asynchronous device protocol the server drives.
//
// flags carries the wire ordering flags (FlagSyncBefore, FlagSyncAfter).
// length, vmoOffset and devOffset are in bytes.
type BlockDevice interface {
	// Query returns the device geometry
	Query() DeviceInfo

	// SetCallbacks installs the completion callback. It must be called
	// before any operation is submitted.
	SetCallbacks(done CompletionFunc)

	// Read transfers length bytes from the device at devOffset into vmo at vmoOffset
	Read(flags uint32, vmo VMO, length uint32, vmoOffset, devOffset uint64, cookie any)

	// Write transfers length bytes from vmo at vmoOffset to the device at devOffset
	Write(flags uint32, vmo VMO, length uint32, vmoOffset, devOffset uint64, cookie any)

	// Flush makes every completed write durable
	Flush(flags uint32, cookie any)
}
