package blkfifo

import "github.com/ehrlich-b/go-blkfifo/internal/constants"

// Re-export constants for public API
const (
	MaxTxnCount            = constants.MaxTxnCount
	MaxTxnMessages         = constants.MaxTxnMessages
	FIFOElemSize           = constants.FIFOElemSize
	FIFOMaxDepth           = constants.FIFOMaxDepth
	DefaultBlockSize       = constants.DefaultBlockSize
	DefaultMaxTransferSize = constants.DefaultMaxTransferSize
	DefaultWorkers         = constants.DefaultWorkers
)
