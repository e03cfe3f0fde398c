package aiclient

import (
	"encoding/binary"
	"time"

	"github.com/accelforge/aicore/internal/device"
)

func decodeInfo(b []byte) Info {
	le := binary.LittleEndian
	return Info{
		Version:      le.Uint32(b[0:]),
		HWVersion:    le.Uint32(b[4:]),
		NumEngines:   le.Uint32(b[8:]),
		MaxBatchSize: le.Uint32(b[12:]),
		MemorySize:   le.Uint64(b[16:]),
		MaxAllocSize: le.Uint64(b[24:]),
		Features:     le.Uint32(b[32:]),
	}
}

func decodeProfile(b []byte) Profile {
	le := binary.LittleEndian
	return Profile{
		Fence:         le.Uint64(b[0:]),
		Submit:        time.Unix(0, int64(le.Uint64(b[8:]))),
		Start:         time.Unix(0, int64(le.Uint64(b[16:]))),
		End:           time.Unix(0, int64(le.Uint64(b[24:]))),
		HWCycles:      le.Uint64(b[32:]),
		MemoryRead:    le.Uint64(b[40:]),
		MemoryWritten: le.Uint64(b[48:]),
		EngineID:      le.Uint32(b[56:]),
	}
}

func decodeStats(b []byte) Stats {
	le := binary.LittleEndian
	return Stats{
		TotalInferences: le.Uint64(b[0:]),
		BytesProcessed:  le.Uint64(b[8:]),
		MemoryUsed:      le.Uint64(b[16:]),
		MemoryTotal:     le.Uint64(b[24:]),
		ActiveJobs:      le.Uint32(b[32:]),
		CompletedJobs:   le.Uint32(b[36:]),
		FailedJobs:      le.Uint32(b[40:]),
		PowerMode:       device.PowerMode(le.Uint32(b[44:])),
		AverageLatency:  time.Duration(le.Uint64(b[48:])),
	}
}
