package device

// Driver version, encoded major<<16 | minor<<8 | patch.
const Version = 0x010000

// Feature flags advertised in the capability struct.
const (
	FeatFP32   uint32 = 1 << 0
	FeatFP16   uint32 = 1 << 1
	FeatInt8   uint32 = 1 << 2
	FeatInt4   uint32 = 1 << 3
	FeatSparse uint32 = 1 << 4
	FeatBatch  uint32 = 1 << 5
)

// Caps is the capability struct reported by GetCapabilities.
type Caps struct {
	InstanceID   string
	Version      uint32
	HWVersion    uint32
	NumEngines   uint32
	MaxBatchSize uint32
	MemorySize   uint64
	MaxAllocSize uint64
	Features     uint32
}

// PowerMode is the enumerated device power state.
type PowerMode uint32

const (
	PowerDefault PowerMode = iota
	PowerLow
	PowerBalanced
	PowerHigh
	PowerMax
)

// PowerModeCount bounds the valid enumeration.
const PowerModeCount = 5

func (p PowerMode) String() string {
	switch p {
	case PowerDefault:
		return "default"
	case PowerLow:
		return "low"
	case PowerBalanced:
		return "balanced"
	case PowerHigh:
		return "high"
	case PowerMax:
		return "max"
	default:
		return "invalid"
	}
}

// Inference submission flags.
const (
	InferSync      uint32 = 1 << 0
	InferAsync     uint32 = 1 << 1
	InferProfiling uint32 = 1 << 2
)

// Stats is the aggregate counter snapshot reported by GetStats.
type Stats struct {
	TotalInferences     uint64
	TotalBytesProcessed uint64
	MemoryUsed          uint64
	MemoryTotal         uint64
	ActiveJobs          uint32
	CompletedJobs       uint32
	FailedJobs          uint32
	AverageLatencyNS    uint64
	PowerMode           PowerMode
}
