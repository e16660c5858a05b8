package casclient

// Format selects how LoadConfig payloads are parsed by the daemon.
type Format string

const (
	FormatCSV  Format = "text/csv"
	FormatYAML Format = "application/yaml"
	FormatJSON Format = "application/json"
)

// Class is one entry of an io class table.
type Class struct {
	ID               uint32  `json:"id"`
	Name             string  `json:"name"`
	Rule             string  `json:"rule"`
	Priority         int     `json:"priority"`
	EvictionPriority int     `json:"eviction_priority"`
	Allocation       float64 `json:"allocation"`
	CacheMode        string  `json:"cache_mode,omitempty"`
}

// LoadResult describes a freshly installed table.
type LoadResult struct {
	Cache      string `json:"cache"`
	Generation uint64 `json:"generation"`
	Classes    int    `json:"classes"`
}

// File describes the file an IO targets.
type File struct {
	Size      uint64 `json:"size"`
	Offset    uint64 `json:"offset"`
	Extension string `json:"extension,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// Attributes are the request properties used for classification.
// Direction is "read" or "write".
type Attributes struct {
	Direction string   `json:"direction"`
	Flags     []string `json:"flags,omitempty"`
	Size      uint64   `json:"request_size"`
	Offset    uint64   `json:"offset"`
	File      *File    `json:"file,omitempty"`
}

// Classification is the class chosen for a request.
type Classification struct {
	ClassID    uint32 `json:"class_id"`
	ClassName  string `json:"class_name"`
	Generation uint64 `json:"generation"`
}

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

type DeviceStats struct {
	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`
	Total  uint64 `json:"total"`
}

type BlockStats struct {
	Cache    DeviceStats `json:"cache"`
	Backing  DeviceStats `json:"backing"`
	Exported DeviceStats `json:"exported"`
}

// ClassStats holds the counters of one class on one core. Byte counts are
// in bytes.
type ClassStats struct {
	ClassID   uint32       `json:"class_id"`
	ClassName string       `json:"class_name"`
	Requests  RequestStats `json:"request_stats"`
	Blocks    BlockStats   `json:"block_stats"`
}

// CoreStats holds every class of one core, in classification order.
type CoreStats struct {
	Cache      string       `json:"cache"`
	CoreID     uint16       `json:"core_id"`
	Generation uint64       `json:"generation"`
	Classes    []ClassStats `json:"classes"`
}
