// Package dispatch decodes fixed-width command payloads, validates them
// and routes them to the device context. Validation is layered: command
// identity first, then payload structure and access, then argument ranges,
// and only then handle resolution and execution.
package dispatch

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/device"
	"github.com/accelforge/aicore/internal/handle"
	"github.com/accelforge/aicore/internal/status"
)

// Dispatcher executes commands against one device context.
type Dispatcher struct {
	log *zap.Logger
	dev *device.Context
}

// New builds a dispatcher bound to dev.
func New(dev *device.Context, log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log.Named("dispatch"), dev: dev}
}

// Dispatch runs one command and reports the wire status code. Results are
// written into the command's payload region; a write-back failure reports
// BadAddress but does not undo effects the command already had.
func (d *Dispatcher) Dispatch(cmd Command) status.Code {
	err := d.dispatch(cmd)
	if err != nil {
		d.log.Debug("command failed",
			zap.String("cmd", cmd.ID.String()),
			zap.String("code", status.CodeOf(err).String()),
			zap.Error(err))
	}
	return status.CodeOf(err)
}

func (d *Dispatcher) dispatch(cmd Command) error {
	info, ok := commands[cmd.ID]
	if !ok {
		return errors.Wrapf(status.ErrNotSupported, "unknown command %d", uint32(cmd.ID))
	}
	if err := checkPayload(cmd.Payload, info); err != nil {
		return err
	}
	if info.wantData {
		if cmd.Data == nil || !cmd.Data.Readable() {
			return errors.Wrap(status.ErrBadAddress, "data region is not readable")
		}
	}

	switch cmd.ID {
	case CmdGetCaps:
		return d.getCaps(cmd)
	case CmdAllocBuffer:
		return d.allocBuffer(cmd)
	case CmdFreeBuffer:
		return d.freeBuffer(cmd)
	case CmdLoadModel:
		return d.loadModel(cmd)
	case CmdUnloadModel:
		return d.unloadModel(cmd)
	case CmdSubmitInference:
		return d.submitInference(cmd)
	case CmdWait:
		return d.wait(cmd)
	case CmdGetProfile:
		return d.getProfile(cmd)
	case CmdGetStats:
		return d.getStats(cmd)
	case CmdSetPowerMode:
		return d.setPowerMode(cmd)
	default:
		return errors.Wrapf(status.ErrNotSupported, "unknown command %d", uint32(cmd.ID))
	}
}

// checkPayload enforces the structural contract before any request byte is
// interpreted: exact size and the access the command direction needs.
func checkPayload(r Region, info cmdInfo) error {
	if r == nil {
		return errors.Wrap(status.ErrBadAddress, "nil payload region")
	}
	if r.Len() != info.size {
		return errors.Wrapf(status.ErrBadAddress, "payload is %d bytes, want %d", r.Len(), info.size)
	}
	if info.in && !r.Readable() {
		return errors.Wrap(status.ErrBadAddress, "payload region is not readable")
	}
	if info.out && !r.Writable() {
		return errors.Wrap(status.ErrBadAddress, "payload region is not writable")
	}
	return nil
}

func readPayload(r Region, size int) ([]byte, error) {
	b := make([]byte, size)
	if err := r.Read(b); err != nil {
		return nil, errors.Wrap(status.ErrBadAddress, err.Error())
	}
	return b, nil
}

func writeBack(r Region, b []byte) error {
	if err := r.Write(b); err != nil {
		return errors.Wrap(status.ErrBadAddress, err.Error())
	}
	return nil
}

func (d *Dispatcher) getCaps(cmd Command) error {
	caps := d.dev.Caps()
	out := CapsPayload{
		Version:      caps.Version,
		HWVersion:    caps.HWVersion,
		NumEngines:   caps.NumEngines,
		MaxBatchSize: caps.MaxBatchSize,
		MemorySize:   caps.MemorySize,
		MaxAllocSize: caps.MaxAllocSize,
		Features:     caps.Features,
	}
	b := make([]byte, CapsSize)
	out.Encode(b)
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) allocBuffer(cmd Command) error {
	b, err := readPayload(cmd.Payload, AllocSize)
	if err != nil {
		return err
	}
	req := DecodeAllocRequest(b)

	caps := d.dev.Caps()
	if req.Size == 0 || req.Size > caps.MaxAllocSize {
		return errors.Wrapf(status.ErrInvalidArgument, "allocation size %d out of range", req.Size)
	}

	h, addr, err := d.dev.AllocBuffer(int64(req.Size), req.Flags)
	if err != nil {
		return err
	}
	req.Handle = uint64(h)
	req.DmaAddr = addr
	req.Encode(b)
	// The buffer stays allocated even if the response cannot be delivered;
	// the caller recovers it through GetStats or a later Free sweep.
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) freeBuffer(cmd Command) error {
	b, err := readPayload(cmd.Payload, FreeSize)
	if err != nil {
		return err
	}
	req := DecodeFreeRequest(b)
	// SizeHint is advisory only; accounting uses the recorded allocation.
	return d.dev.FreeBuffer(handle.Handle(req.Handle))
}

func (d *Dispatcher) loadModel(cmd Command) error {
	b, err := readPayload(cmd.Payload, LoadModelSize)
	if err != nil {
		return err
	}
	req := DecodeLoadModelRequest(b)

	caps := d.dev.Caps()
	if req.ModelSize == 0 || req.ModelSize > caps.MaxAllocSize {
		return errors.Wrapf(status.ErrInvalidArgument, "model size %d out of range", req.ModelSize)
	}
	if uint64(cmd.Data.Len()) < req.ModelSize {
		return errors.Wrapf(status.ErrBadAddress,
			"data region of %d bytes is smaller than declared model size %d", cmd.Data.Len(), req.ModelSize)
	}

	blob := make([]byte, req.ModelSize)
	if err := cmd.Data.Read(blob); err != nil {
		return errors.Wrap(status.ErrBadAddress, err.Error())
	}

	h, err := d.dev.LoadModel(blob, req.Flags)
	if err != nil {
		return err
	}
	req.Handle = uint64(h)
	req.Encode(b)
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) unloadModel(cmd Command) error {
	b, err := readPayload(cmd.Payload, UnloadSize)
	if err != nil {
		return err
	}
	req := DecodeUnloadRequest(b)
	return d.dev.UnloadModel(handle.Handle(req.Handle))
}

func (d *Dispatcher) submitInference(cmd Command) error {
	b, err := readPayload(cmd.Payload, SubmitSize)
	if err != nil {
		return err
	}
	req := DecodeSubmitRequest(b)

	caps := d.dev.Caps()
	if req.InputSize == 0 || uint64(req.InputSize) > caps.MaxAllocSize {
		return errors.Wrapf(status.ErrInvalidArgument, "input size %d out of range", req.InputSize)
	}
	if uint64(req.OutputSize) > caps.MaxAllocSize {
		return errors.Wrapf(status.ErrInvalidArgument, "output size %d out of range", req.OutputSize)
	}
	if req.BatchSize == 0 || req.BatchSize > caps.MaxBatchSize {
		return errors.Wrapf(status.ErrInvalidArgument, "batch size %d out of range", req.BatchSize)
	}

	f, err := d.dev.Submit(device.SubmitParams{
		Model:      handle.Handle(req.Model),
		Input:      handle.Handle(req.Input),
		Output:     handle.Handle(req.Output),
		InputSize:  req.InputSize,
		OutputSize: req.OutputSize,
		BatchSize:  req.BatchSize,
		Flags:      req.Flags,
		Priority:   req.Priority,
	})
	if err != nil {
		return err
	}
	req.Fence = f
	req.Encode(b)
	// The job ran (or is running) regardless of response delivery.
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) wait(cmd Command) error {
	b, err := readPayload(cmd.Payload, WaitSize)
	if err != nil {
		return err
	}
	req := DecodeWaitRequest(b)

	st, werr := d.dev.Wait(req.Fence, time.Duration(req.TimeoutNS))
	if werr != nil && !errors.Is(werr, status.ErrTimedOut) {
		return werr
	}

	req.Status = int32(st)
	req.Encode(b)
	if err := writeBack(cmd.Payload, b); err != nil {
		return err
	}
	return werr
}

func (d *Dispatcher) getProfile(cmd Command) error {
	b, err := readPayload(cmd.Payload, ProfileSize)
	if err != nil {
		return err
	}
	req := DecodeProfileRequest(b)

	p, err := d.dev.Profile(req.Fence)
	if err != nil {
		return err
	}
	req.SubmitNS = uint64(p.Submit.UnixNano())
	req.StartNS = uint64(p.Start.UnixNano())
	req.EndNS = uint64(p.End.UnixNano())
	req.HWCycles = p.HWCycles
	req.MemoryRead = p.BytesRead
	req.MemoryWritten = p.BytesWritten
	req.EngineID = p.EngineID
	req.Encode(b)
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) getStats(cmd Command) error {
	s := d.dev.Stats()
	out := StatsPayload{
		Inferences:     s.TotalInferences,
		BytesProcessed: s.TotalBytesProcessed,
		MemoryUsed:     s.MemoryUsed,
		MemoryTotal:    s.MemoryTotal,
		ActiveJobs:     s.ActiveJobs,
		CompletedJobs:  s.CompletedJobs,
		FailedJobs:     s.FailedJobs,
		PowerMode:      uint32(s.PowerMode),
		AvgLatencyNS:   s.AverageLatencyNS,
	}
	b := make([]byte, StatsSize)
	out.Encode(b)
	return writeBack(cmd.Payload, b)
}

func (d *Dispatcher) setPowerMode(cmd Command) error {
	b, err := readPayload(cmd.Payload, PowerSize)
	if err != nil {
		return err
	}
	req := DecodePowerRequest(b)
	return d.dev.SetPowerMode(device.PowerMode(req.Mode))
}
