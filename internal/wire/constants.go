// Package wire provides the fixed-layout records exchanged over the block FIFO
package wire

// Request opcodes (low byte of Request.Opcode)
const (
	OpRead     = 0x01
	OpWrite    = 0x02
	OpSync     = 0x03
	OpCloseVMO = 0x04
)

// Request opcode flags
const (
	// OpTxnEnd marks the last message of a transaction group; a reply is wanted
	OpTxnEnd = 0x100

	// OpMask extracts the operation from Request.Opcode
	OpMask = 0xFF
)

// Device operation flags passed to the block device with every sub-operation
const (
	// FlagSyncBefore orders the operation after all previously submitted ones
	FlagSyncBefore = 1 << 4

	// FlagSyncAfter orders all later operations after this one
	FlagSyncAfter = 1 << 5
)

// OpName returns a short human-readable name for an opcode
func OpName(opcode uint32) string {
	switch opcode & OpMask {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpSync:
		return "SYNC"
	case OpCloseVMO:
		return "CLOSE_VMO"
	default:
		return "UNKNOWN"
	}
}
