package stats

// RequestStats counts requests assigned to a class.
type RequestStats struct {
	Total              uint64 `json:"requests_total"`
	ReadHits           uint64 `json:"read_hits"`
	ReadPartialMisses  uint64 `json:"read_partial_misses"`
	ReadFullMisses     uint64 `json:"read_full_misses"`
	WriteHits          uint64 `json:"write_hits"`
	WritePartialMisses uint64 `json:"write_partial_misses"`
	WriteFullMisses    uint64 `json:"write_full_misses"`
	PassThroughReads   uint64 `json:"pass_through_reads"`
	PassThroughWrites  uint64 `json:"pass_through_writes"`
}

// Serviced is the number of requests that touched the cache device.
func (r RequestStats) Serviced() uint64 {
	return r.ReadHits + r.ReadPartialMisses + r.ReadFullMisses +
		r.WriteHits + r.WritePartialMisses + r.WriteFullMisses
}

// DeviceStats is byte traffic against one device.
type DeviceStats struct {
	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`
	Total  uint64 `json:"total"`
}

func newDeviceStats(rd, wr uint64) DeviceStats {
	return DeviceStats{Reads: rd, Writes: wr, Total: rd + wr}
}

// BlockStats splits a class's traffic by device. Exported is the traffic
// seen on the exported object, i.e. what the submitter asked for.
type BlockStats struct {
	Cache    DeviceStats `json:"cache"`
	Backing  DeviceStats `json:"backing"`
	Exported DeviceStats `json:"exported"`
}

// Snapshot is a point-in-time copy of one class's counters. Individual
// fields are read atomically; the snapshot as a whole is not.
type Snapshot struct {
	ClassID   uint32       `json:"class_id"`
	ClassName string       `json:"class_name"`
	Requests  RequestStats `json:"request_stats"`
	Blocks    BlockStats   `json:"block_stats"`
}

// IsZero reports whether no traffic has been recorded.
func (s Snapshot) IsZero() bool {
	return s.Requests == RequestStats{} &&
		s.Blocks.Cache.Total == 0 && s.Blocks.Backing.Total == 0 && s.Blocks.Exported.Total == 0
}
