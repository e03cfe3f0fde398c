// Package aiclient is the user-facing library over the accelerator
// manager. It speaks the fixed-width command protocol through the
// dispatcher the way a userspace driver wrapper would, and adds typed
// handles, data-copy helpers and a small async job API on top.
package aiclient

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/internal/device"
	"github.com/accelforge/aicore/internal/dispatch"
	"github.com/accelforge/aicore/internal/handle"
	"github.com/accelforge/aicore/internal/model"
	"github.com/accelforge/aicore/internal/status"
)

// Client is one open device session.
type Client struct {
	log    *zap.Logger
	dev    *device.Context
	disp   *dispatch.Dispatcher
	closed atomic.Bool
}

// Open creates a device context from cfg and binds a client to it. A nil
// cfg uses the built-in defaults.
func Open(cfg *config.Config, log *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	dev := device.New(cfg, log)
	return &Client{
		log:  log.Named("aiclient"),
		dev:  dev,
		disp: dispatch.New(dev, log),
	}, nil
}

// Close tears down the session and releases every live resource. Safe to
// call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.dev.Close()
	return nil
}

func (c *Client) guard() error {
	if c.closed.Load() {
		return errors.Wrap(status.ErrInvalidArgument, "client is closed")
	}
	return nil
}

// command runs one dispatch round trip and converts the wire code back to
// an error.
func (c *Client) command(cmd dispatch.Command) error {
	if err := c.guard(); err != nil {
		return err
	}
	code := c.disp.Dispatch(cmd)
	if err := code.Err(); err != nil {
		return errors.Wrapf(err, "%s failed", cmd.ID)
	}
	return nil
}

// Info is the decoded capability report.
type Info struct {
	Version      uint32
	HWVersion    uint32
	NumEngines   uint32
	MaxBatchSize uint32
	MemorySize   uint64
	MaxAllocSize uint64
	Features     uint32
}

// Info queries device capabilities.
func (c *Client) Info() (Info, error) {
	r := dispatch.NewMemRegion(dispatch.CapsSize, false, true)
	if err := c.command(dispatch.Command{ID: dispatch.CmdGetCaps, Payload: r}); err != nil {
		return Info{}, err
	}
	return decodeInfo(r.Bytes()), nil
}

// Buffer is a device-memory allocation owned by the caller.
type Buffer struct {
	c    *Client
	h    uint64
	size int64
	addr uint64
}

// Handle returns the raw buffer handle.
func (b *Buffer) Handle() uint64 { return b.h }

// Size returns the requested allocation size.
func (b *Buffer) Size() int64 { return b.size }

// DeviceAddr returns the assigned device address.
func (b *Buffer) DeviceAddr() uint64 { return b.addr }

// AllocBuffer reserves size bytes of device memory.
func (c *Client) AllocBuffer(size int64) (*Buffer, error) {
	r := dispatch.NewMemRegion(dispatch.AllocSize, true, true)
	dispatch.AllocRequest{Size: uint64(size)}.Encode(r.Bytes())
	if err := c.command(dispatch.Command{ID: dispatch.CmdAllocBuffer, Payload: r}); err != nil {
		return nil, err
	}
	req := dispatch.DecodeAllocRequest(r.Bytes())
	return &Buffer{c: c, h: req.Handle, size: size, addr: req.DmaAddr}, nil
}

// Free returns the buffer's memory to the device budget.
func (b *Buffer) Free() error {
	r := dispatch.NewMemRegion(dispatch.FreeSize, true, false)
	dispatch.FreeRequest{Handle: b.h}.Encode(r.Bytes())
	return b.c.command(dispatch.Command{ID: dispatch.CmdFreeBuffer, Payload: r})
}

// Map exposes the buffer's memory to the caller.
func (b *Buffer) Map() ([]byte, error) {
	if err := b.c.guard(); err != nil {
		return nil, err
	}
	return b.c.dev.MapBuffer(handle.Handle(b.h))
}

// Unmap balances Map.
func (b *Buffer) Unmap() error {
	if err := b.c.guard(); err != nil {
		return err
	}
	return b.c.dev.UnmapBuffer(handle.Handle(b.h))
}

// CopyToDevice moves data into the buffer at offset through the transfer
// engine.
func (c *Client) CopyToDevice(b *Buffer, data []byte, offset int64) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.dev.WriteBuffer(handle.Handle(b.h), data, offset)
}

// CopyFromDevice fills dst from the buffer's contents at offset.
func (c *Client) CopyFromDevice(dst []byte, b *Buffer, offset int64) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.dev.ReadBuffer(handle.Handle(b.h), dst, offset)
}

// Model is a loaded model handle plus its tensor descriptors.
type Model struct {
	c    *Client
	h    uint64
	size int64
	ref  *model.Model
}

// Handle returns the raw model handle.
func (m *Model) Handle() uint64 { return m.h }

// Size returns the model blob size.
func (m *Model) Size() int64 { return m.size }

// NumInputs reports how many input tensors the model declares.
func (m *Model) NumInputs() int { return m.ref.NumInputs() }

// NumOutputs reports how many output tensors the model declares.
func (m *Model) NumOutputs() int { return m.ref.NumOutputs() }

// Input returns the descriptor of input tensor index.
func (m *Model) Input(index int) (model.TensorDesc, error) { return m.ref.Input(index) }

// Output returns the descriptor of output tensor index.
func (m *Model) Output(index int) (model.TensorDesc, error) { return m.ref.Output(index) }

// LoadModel reads a model file and registers it with the device.
func (c *Client) LoadModel(path string) (*Model, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(status.ErrIO, "reading model %s: %v", path, err)
	}
	return c.LoadModelFromMemory(blob)
}

// LoadModelFromMemory registers an in-memory model blob.
func (c *Client) LoadModelFromMemory(blob []byte) (*Model, error) {
	r := dispatch.NewMemRegion(dispatch.LoadModelSize, true, true)
	dispatch.LoadModelRequest{ModelSize: uint64(len(blob))}.Encode(r.Bytes())
	cmd := dispatch.Command{
		ID:      dispatch.CmdLoadModel,
		Payload: r,
		Data:    dispatch.RegionFromBytes(blob, true, false),
	}
	if err := c.command(cmd); err != nil {
		return nil, err
	}
	h := dispatch.DecodeLoadModelRequest(r.Bytes()).Handle

	ref, err := c.dev.GetModel(handle.Handle(h))
	if err != nil {
		return nil, err
	}
	return &Model{c: c, h: h, size: int64(len(blob)), ref: ref}, nil
}

// Unload removes the model from the device.
func (m *Model) Unload() error {
	r := dispatch.NewMemRegion(dispatch.UnloadSize, true, false)
	dispatch.UnloadRequest{Handle: m.h}.Encode(r.Bytes())
	return m.c.command(dispatch.Command{ID: dispatch.CmdUnloadModel, Payload: r})
}

// InferenceOptions tune one submission.
type InferenceOptions struct {
	BatchSize uint32
	Priority  uint32
	Profiling bool
	Timeout   time.Duration // RunInference wait deadline, default one second
}

func (o *InferenceOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return time.Second
	}
	return o.Timeout
}

func (o *InferenceOptions) batch() uint32 {
	if o == nil || o.BatchSize == 0 {
		return 1
	}
	return o.BatchSize
}

func (o *InferenceOptions) priority() uint32 {
	if o == nil {
		return 0
	}
	return o.Priority
}

func (o *InferenceOptions) flags() uint32 {
	if o != nil && o.Profiling {
		return device.InferProfiling
	}
	return 0
}

func (c *Client) submit(m *Model, in, out *Buffer, opts *InferenceOptions, flags uint32) (uint64, error) {
	r := dispatch.NewMemRegion(dispatch.SubmitSize, true, true)
	dispatch.SubmitRequest{
		Model:      m.h,
		Input:      in.h,
		Output:     out.h,
		InputSize:  uint32(in.size),
		OutputSize: uint32(out.size),
		BatchSize:  opts.batch(),
		Flags:      flags | opts.flags(),
		Priority:   opts.priority(),
	}.Encode(r.Bytes())
	if err := c.command(dispatch.Command{ID: dispatch.CmdSubmitInference, Payload: r}); err != nil {
		return 0, err
	}
	return dispatch.DecodeSubmitRequest(r.Bytes()).Fence, nil
}

// RunInference executes one job and returns when it has resolved. The
// input and output buffer contents are the job's tensors.
func (c *Client) RunInference(m *Model, in, out *Buffer, opts *InferenceOptions) error {
	f, err := c.submit(m, in, out, opts, device.InferSync)
	if err != nil {
		return err
	}
	_, err = c.wait(f, opts.timeout())
	return err
}

// SubmitInference queues one job and returns immediately with a Job
// tracking its fence.
func (c *Client) SubmitInference(m *Model, in, out *Buffer, opts *InferenceOptions) (*Job, error) {
	f, err := c.submit(m, in, out, opts, device.InferAsync)
	if err != nil {
		return nil, err
	}
	return &Job{c: c, fence: f}, nil
}

// Job tracks one in-flight asynchronous inference.
type Job struct {
	c     *Client
	fence uint64
}

// Fence returns the job's completion fence.
func (j *Job) Fence() uint64 { return j.fence }

func (c *Client) wait(f uint64, timeout time.Duration) (int32, error) {
	r := dispatch.NewMemRegion(dispatch.WaitSize, true, true)
	dispatch.WaitRequest{Fence: f, TimeoutNS: uint64(timeout)}.Encode(r.Bytes())
	err := c.command(dispatch.Command{ID: dispatch.CmdWait, Payload: r})
	return dispatch.DecodeWaitRequest(r.Bytes()).Status, err
}

// Wait blocks until the job resolves or timeout elapses.
func (j *Job) Wait(timeout time.Duration) error {
	_, err := j.c.wait(j.fence, timeout)
	return err
}

// Done polls the job without blocking.
func (j *Job) Done() (bool, error) {
	_, err := j.c.wait(j.fence, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, status.ErrTimedOut) {
		return false, nil
	}
	return false, err
}

// Profile is the decoded per-job profiling record.
type Profile struct {
	Fence         uint64
	Submit        time.Time
	Start         time.Time
	End           time.Time
	HWCycles      uint64
	MemoryRead    uint64
	MemoryWritten uint64
	EngineID      uint32
}

// Duration is the wall time the job spent executing.
func (p Profile) Duration() time.Duration { return p.End.Sub(p.Start) }

// Release discards the job's completion record without inspecting it. A
// pending or already-consumed job is left alone.
func (j *Job) Release() {
	r := dispatch.NewMemRegion(dispatch.ProfileSize, true, true)
	dispatch.ProfileRequest{Fence: j.fence}.Encode(r.Bytes())
	_ = j.c.command(dispatch.Command{ID: dispatch.CmdGetProfile, Payload: r})
}

// Profile fetches and consumes the job's profiling record. It fails with
// a busy error while the job is still pending.
func (j *Job) Profile() (Profile, error) {
	r := dispatch.NewMemRegion(dispatch.ProfileSize, true, true)
	dispatch.ProfileRequest{Fence: j.fence}.Encode(r.Bytes())
	if err := j.c.command(dispatch.Command{ID: dispatch.CmdGetProfile, Payload: r}); err != nil {
		return Profile{}, err
	}
	return decodeProfile(r.Bytes()), nil
}

// Stats is the decoded aggregate counter snapshot.
type Stats struct {
	TotalInferences uint64
	BytesProcessed  uint64
	MemoryUsed      uint64
	MemoryTotal     uint64
	ActiveJobs      uint32
	CompletedJobs   uint32
	FailedJobs      uint32
	PowerMode       device.PowerMode
	AverageLatency  time.Duration
}

// Stats queries the device counters.
func (c *Client) Stats() (Stats, error) {
	r := dispatch.NewMemRegion(dispatch.StatsSize, false, true)
	if err := c.command(dispatch.Command{ID: dispatch.CmdGetStats, Payload: r}); err != nil {
		return Stats{}, err
	}
	return decodeStats(r.Bytes()), nil
}

// SetPowerMode configures the device power state.
func (c *Client) SetPowerMode(mode device.PowerMode) error {
	r := dispatch.NewMemRegion(dispatch.PowerSize, true, false)
	dispatch.PowerRequest{Mode: uint32(mode)}.Encode(r.Bytes())
	return c.command(dispatch.Command{ID: dispatch.CmdSetPowerMode, Payload: r})
}
