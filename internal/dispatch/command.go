package dispatch

import "encoding/binary"

// Cmd identifies one command crossing the device boundary.
type Cmd uint32

const (
	CmdGetCaps Cmd = iota
	CmdAllocBuffer
	CmdFreeBuffer
	CmdLoadModel
	CmdUnloadModel
	CmdSubmitInference
	CmdWait
	CmdGetProfile
	CmdGetStats
	CmdSetPowerMode
)

func (c Cmd) String() string {
	switch c {
	case CmdGetCaps:
		return "GetCapabilities"
	case CmdAllocBuffer:
		return "AllocateBuffer"
	case CmdFreeBuffer:
		return "FreeBuffer"
	case CmdLoadModel:
		return "LoadModel"
	case CmdUnloadModel:
		return "UnloadModel"
	case CmdSubmitInference:
		return "SubmitInference"
	case CmdWait:
		return "Wait"
	case CmdGetProfile:
		return "GetProfile"
	case CmdGetStats:
		return "GetStats"
	case CmdSetPowerMode:
		return "SetPowerMode"
	default:
		return "Unknown"
	}
}

// cmdInfo fixes each command's payload size and the access the dispatcher
// needs on the payload region: in means the dispatcher reads the request,
// out means it writes results back.
type cmdInfo struct {
	size     int
	in, out  bool
	wantData bool // carries an auxiliary data region
}

var commands = map[Cmd]cmdInfo{
	CmdGetCaps:         {size: CapsSize, out: true},
	CmdAllocBuffer:     {size: AllocSize, in: true, out: true},
	CmdFreeBuffer:      {size: FreeSize, in: true},
	CmdLoadModel:       {size: LoadModelSize, in: true, out: true, wantData: true},
	CmdUnloadModel:     {size: UnloadSize, in: true},
	CmdSubmitInference: {size: SubmitSize, in: true, out: true},
	CmdWait:            {size: WaitSize, in: true, out: true},
	CmdGetProfile:      {size: ProfileSize, in: true, out: true},
	CmdGetStats:        {size: StatsSize, out: true},
	CmdSetPowerMode:    {size: PowerSize, in: true},
}

// Command is one request against the device: the identifier, the
// fixed-width payload region and, for LoadModel, the blob region the
// payload refers to.
type Command struct {
	ID      Cmd
	Payload Region
	Data    Region
}

// Fixed little-endian payload sizes. All numeric fields are fixed-width;
// layouts below list fields in wire order.
const (
	CapsSize      = 40 // version, hwVersion, numEngines, maxBatch u32; memorySize, maxAllocSize u64; features, reserved u32
	AllocSize     = 32 // size u64; flags, reserved u32; handle, dmaAddr u64
	FreeSize      = 16 // handle, sizeHint u64
	LoadModelSize = 24 // modelSize u64; flags, reserved u32; handle u64
	UnloadSize    = 8  // handle u64
	SubmitSize    = 56 // model, input, output u64; inputSize, outputSize, batchSize, flags, priority, reserved u32; fence u64
	WaitSize      = 24 // fence, timeoutNS u64; status i32; reserved u32
	ProfileSize   = 64 // fence, submitNS, startNS, endNS, hwCycles, memoryRead, memoryWritten u64; engineID, reserved u32
	StatsSize     = 56 // inferences, bytesProcessed, memoryUsed, memoryTotal u64; activeJobs, completedJobs, failedJobs, powerMode u32; avgLatencyNS u64
	PowerSize     = 4  // mode u32
)

type CapsPayload struct {
	Version      uint32
	HWVersion    uint32
	NumEngines   uint32
	MaxBatchSize uint32
	MemorySize   uint64
	MaxAllocSize uint64
	Features     uint32
}

func (p CapsPayload) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], p.Version)
	le.PutUint32(b[4:], p.HWVersion)
	le.PutUint32(b[8:], p.NumEngines)
	le.PutUint32(b[12:], p.MaxBatchSize)
	le.PutUint64(b[16:], p.MemorySize)
	le.PutUint64(b[24:], p.MaxAllocSize)
	le.PutUint32(b[32:], p.Features)
	le.PutUint32(b[36:], 0)
}

// AllocRequest is the AllocateBuffer payload; Handle and DmaAddr are
// filled in by the dispatcher.
type AllocRequest struct {
	Size    uint64
	Flags   uint32
	Handle  uint64
	DmaAddr uint64
}

func DecodeAllocRequest(b []byte) AllocRequest {
	le := binary.LittleEndian
	return AllocRequest{
		Size:    le.Uint64(b[0:]),
		Flags:   le.Uint32(b[8:]),
		Handle:  le.Uint64(b[16:]),
		DmaAddr: le.Uint64(b[24:]),
	}
}

func (r AllocRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.Size)
	le.PutUint32(b[8:], r.Flags)
	le.PutUint32(b[12:], 0)
	le.PutUint64(b[16:], r.Handle)
	le.PutUint64(b[24:], r.DmaAddr)
}

type FreeRequest struct {
	Handle   uint64
	SizeHint uint64
}

func DecodeFreeRequest(b []byte) FreeRequest {
	le := binary.LittleEndian
	return FreeRequest{Handle: le.Uint64(b[0:]), SizeHint: le.Uint64(b[8:])}
}

func (r FreeRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.Handle)
	le.PutUint64(b[8:], r.SizeHint)
}

type LoadModelRequest struct {
	ModelSize uint64
	Flags     uint32
	Handle    uint64
}

func DecodeLoadModelRequest(b []byte) LoadModelRequest {
	le := binary.LittleEndian
	return LoadModelRequest{
		ModelSize: le.Uint64(b[0:]),
		Flags:     le.Uint32(b[8:]),
		Handle:    le.Uint64(b[16:]),
	}
}

func (r LoadModelRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.ModelSize)
	le.PutUint32(b[8:], r.Flags)
	le.PutUint32(b[12:], 0)
	le.PutUint64(b[16:], r.Handle)
}

type UnloadRequest struct {
	Handle uint64
}

func DecodeUnloadRequest(b []byte) UnloadRequest {
	return UnloadRequest{Handle: binary.LittleEndian.Uint64(b[0:])}
}

func (r UnloadRequest) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], r.Handle)
}

// SubmitRequest is the SubmitInference payload; Fence is filled in by the
// dispatcher.
type SubmitRequest struct {
	Model      uint64
	Input      uint64
	Output     uint64
	InputSize  uint32
	OutputSize uint32
	BatchSize  uint32
	Flags      uint32
	Priority   uint32
	Fence      uint64
}

func DecodeSubmitRequest(b []byte) SubmitRequest {
	le := binary.LittleEndian
	return SubmitRequest{
		Model:      le.Uint64(b[0:]),
		Input:      le.Uint64(b[8:]),
		Output:     le.Uint64(b[16:]),
		InputSize:  le.Uint32(b[24:]),
		OutputSize: le.Uint32(b[28:]),
		BatchSize:  le.Uint32(b[32:]),
		Flags:      le.Uint32(b[36:]),
		Priority:   le.Uint32(b[40:]),
		Fence:      le.Uint64(b[48:]),
	}
}

func (r SubmitRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.Model)
	le.PutUint64(b[8:], r.Input)
	le.PutUint64(b[16:], r.Output)
	le.PutUint32(b[24:], r.InputSize)
	le.PutUint32(b[28:], r.OutputSize)
	le.PutUint32(b[32:], r.BatchSize)
	le.PutUint32(b[36:], r.Flags)
	le.PutUint32(b[40:], r.Priority)
	le.PutUint32(b[44:], 0)
	le.PutUint64(b[48:], r.Fence)
}

type WaitRequest struct {
	Fence     uint64
	TimeoutNS uint64
	Status    int32
}

func DecodeWaitRequest(b []byte) WaitRequest {
	le := binary.LittleEndian
	return WaitRequest{
		Fence:     le.Uint64(b[0:]),
		TimeoutNS: le.Uint64(b[8:]),
		Status:    int32(le.Uint32(b[16:])),
	}
}

func (r WaitRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.Fence)
	le.PutUint64(b[8:], r.TimeoutNS)
	le.PutUint32(b[16:], uint32(r.Status))
	le.PutUint32(b[20:], 0)
}

type ProfileRequest struct {
	Fence         uint64
	SubmitNS      uint64
	StartNS       uint64
	EndNS         uint64
	HWCycles      uint64
	MemoryRead    uint64
	MemoryWritten uint64
	EngineID      uint32
}

func DecodeProfileRequest(b []byte) ProfileRequest {
	return ProfileRequest{Fence: binary.LittleEndian.Uint64(b[0:])}
}

func (r ProfileRequest) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], r.Fence)
	le.PutUint64(b[8:], r.SubmitNS)
	le.PutUint64(b[16:], r.StartNS)
	le.PutUint64(b[24:], r.EndNS)
	le.PutUint64(b[32:], r.HWCycles)
	le.PutUint64(b[40:], r.MemoryRead)
	le.PutUint64(b[48:], r.MemoryWritten)
	le.PutUint32(b[56:], r.EngineID)
	le.PutUint32(b[60:], 0)
}

type StatsPayload struct {
	Inferences     uint64
	BytesProcessed uint64
	MemoryUsed     uint64
	MemoryTotal    uint64
	ActiveJobs     uint32
	CompletedJobs  uint32
	FailedJobs     uint32
	PowerMode      uint32
	AvgLatencyNS   uint64
}

func (p StatsPayload) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], p.Inferences)
	le.PutUint64(b[8:], p.BytesProcessed)
	le.PutUint64(b[16:], p.MemoryUsed)
	le.PutUint64(b[24:], p.MemoryTotal)
	le.PutUint32(b[32:], p.ActiveJobs)
	le.PutUint32(b[36:], p.CompletedJobs)
	le.PutUint32(b[40:], p.FailedJobs)
	le.PutUint32(b[44:], p.PowerMode)
	le.PutUint64(b[48:], p.AvgLatencyNS)
}

type PowerRequest struct {
	Mode uint32
}

func DecodePowerRequest(b []byte) PowerRequest {
	return PowerRequest{Mode: binary.LittleEndian.Uint32(b[0:])}
}

func (r PowerRequest) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], r.Mode)
}
