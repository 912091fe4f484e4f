package pktmem

// ClassStats represents the statistics of one packet pool class.
type ClassStats struct {
	Capacity int    // Blocks (static) or maximum allocations (heap).
	InUse    int    // Packets currently allocated.
	Allocs   uint64 // Successful allocations.
	Failures uint64 // Failed allocations, exhaustion and oversized layouts.
}

// Command packets that do not fit the command pool fall back to the transmit data pool.
// The fallback is not a command failure; a request that fails there counts under TxData.

// Stats represents allocator statistics.
type Stats struct {
	Command ClassStats
	TxData  ClassStats
	Rx      ClassStats

	Paused      bool   // Transmit currently paused.
	Pauses      uint64 // FlowPaused notifications delivered.
	Resumes     uint64 // FlowReady notifications delivered.
	Corruptions uint64 // Writes to released blocks detected by poisoning.
}

// InUse returns the total number of packets currently allocated.
func (s Stats) InUse() int {
	return s.Command.InUse + s.TxData.InUse + s.Rx.InUse
}
