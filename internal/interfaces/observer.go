package interfaces

// Observer receives per-operation statistics from the server
type Observer interface {
	// ObserveRead is called when a read sub-operation completes
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called when a write sub-operation completes
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveFlush is called when a flush completes
	ObserveFlush(latencyNs uint64, success bool)

	// ObserveReply is called for each response record written.
	// oob is true for replies sent outside a transaction group.
	ObserveReply(oob bool, success bool)

	// ObserveSplit is called with the number of extra chunks a request was split into
	ObserveSplit(chunks uint32)

	// ObserveQueueDepth is called with the number of in-flight sub-operations
	ObserveQueueDepth(depth uint32)
}
