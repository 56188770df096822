package blkfifo

import (
	"github.com/ehrlich-b/go-blkfifo/internal/device"
	"github.com/ehrlich-b/go-blkfifo/internal/fifo"
	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/uring"
	"github.com/ehrlich-b/go-blkfifo/internal/vmo"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// Device-side interfaces
type (
	BlockDevice    = interfaces.BlockDevice
	DeviceInfo     = interfaces.DeviceInfo
	CompletionFunc = interfaces.CompletionFunc
	Backend        = interfaces.Backend
	DiscardBackend = interfaces.DiscardBackend
	StatBackend    = interfaces.StatBackend
)

// Shared buffers
type (
	VMO       = interfaces.VMO
	Mapper    = interfaces.Mapper
	MemoryVMO = vmo.Memory
)

// NewMemoryVMO allocates a zeroed heap buffer of size bytes
func NewMemoryVMO(size uint64) *MemoryVMO {
	return vmo.NewMemory(size)
}

// SharedVMO is a memfd-backed buffer that can be handed to another process
type SharedVMO = vmo.Shared

// NewSharedVMO creates a memfd buffer. It is only supported on Linux.
func NewSharedVMO(name string, size uint64) (*SharedVMO, error) {
	return vmo.NewShared(name, size)
}

// Transport
type (
	FIFO     = fifo.Endpoint
	Signals  = fifo.Signals
	Request  = wire.Request
	Response = wire.Response
	Status   = wire.Status
)

// SignalTerminate stops a server's dispatch loop when set on its endpoint.
// Clients set it with FIFO.SignalPeer.
const SignalTerminate = fifo.SignalUser0

// Opcodes and flags
const (
	OpRead     = wire.OpRead
	OpWrite    = wire.OpWrite
	OpSync     = wire.OpSync
	OpCloseVMO = wire.OpCloseVMO
	OpTxnEnd   = wire.OpTxnEnd
)

// Logging
type (
	Logger    = logging.Logger
	LogConfig = logging.Config
)

// NewLogger creates a logger from config
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}

// Async device adapter over a Backend
type (
	Device       = device.Device
	DeviceConfig = device.Config
)

// NewDevice starts a worker-pool block device over config.Backend
func NewDevice(config DeviceConfig) (*Device, error) {
	return device.New(config)
}

// io_uring file device
type (
	UringDevice = uring.Device
	UringConfig = uring.Config
)

// OpenUringDevice serves a file through io_uring. It fails with
// uring.ErrUnsupported unless built with -tags iouring on Linux.
func OpenUringDevice(config UringConfig) (*UringDevice, error) {
	return uring.Open(config)
}
