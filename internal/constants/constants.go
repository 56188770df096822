package constants

import "time"

// Wire protocol limits
const (
	// MaxTxnCount is the number of transaction slots per server
	MaxTxnCount = 256

	// MaxTxnMessages is the number of wire messages one transaction group can hold
	MaxTxnMessages = 16

	// FIFOElemSize is the size in bytes of every request and response record
	FIFOElemSize = 32

	// FIFOMaxDepth is the number of records the FIFO holds in each direction
	FIFOMaxDepth = 4096 / FIFOElemSize

	// VmoidInvalid is never handed out by the buffer registry
	VmoidInvalid = 0

	// VmoidMax is one past the largest usable buffer handle
	VmoidMax = 0xFFFF
)

// Default configuration constants
const (
	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultMaxTransferSize is the default device transfer limit in bytes (64KB)
	DefaultMaxTransferSize = 64 * 1024

	// DefaultWorkers is the default number of device worker goroutines
	DefaultWorkers = 4
)

// Timing constants for server lifecycle
const (
	// ShutdownTimeout bounds how long StopAndDelete waits for the dispatch loop
	ShutdownTimeout = 5 * time.Second

	// ClientReplyTimeout is the default wait for a transaction reply
	ClientReplyTimeout = 30 * time.Second
)

// Memory allocation constants
const (
	// BounceBufferSize is the smallest bounce buffer handed out by the device pool
	BounceBufferSize = 64 * 1024
)
