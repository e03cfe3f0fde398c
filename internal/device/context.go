// Package device owns the per-device state: handle tables, memory budget,
// fence tracker, transfer channels and aggregate counters. Exactly one
// Context exists per logical device and is injected into the dispatcher.
package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/internal/dma"
	"github.com/accelforge/aicore/internal/engine"
	"github.com/accelforge/aicore/internal/fence"
	"github.com/accelforge/aicore/internal/handle"
	"github.com/accelforge/aicore/internal/memory"
	"github.com/accelforge/aicore/internal/metrics"
	"github.com/accelforge/aicore/internal/model"
	"github.com/accelforge/aicore/internal/status"
)

// Context is the process-wide state for one open device.
//
// Lock hierarchy: mu (the device lock) covers handle-table mutation and
// multi-handle resolution; the transfer pool keeps its own narrower lock.
// mu is never held across a blocking wait. A released handle only detaches
// the resource from its table; jobs still holding the resolved pointer run
// to completion against it.
type Context struct {
	log     *zap.Logger
	caps    Caps
	mem     *memory.Manager
	fences  *fence.Tracker
	dma     *dma.Engine
	compute *engine.Engine

	mu      sync.Mutex // device lock, see above
	buffers *handle.Table[*memory.Buffer]
	models  *handle.Table[*model.Model]

	power          atomic.Uint32
	inferences     atomic.Uint64
	bytesProcessed atomic.Uint64
	completedJobs  atomic.Uint32
	failedJobs     atomic.Uint32
	latencyTotalNS atomic.Uint64

	syncTimeout time.Duration
	closed      atomic.Bool
}

// New builds a device context from cfg.
func New(cfg *config.Config, log *zap.Logger) *Context {
	log = log.Named("device")
	importer := memory.NewPlatformImporter(cfg.Device.PinHostMemory)
	tracker := fence.NewTracker()

	c := &Context{
		log: log,
		caps: Caps{
			InstanceID:   uuid.NewString(),
			Version:      Version,
			HWVersion:    0, // simulated hardware
			NumEngines:   uint32(cfg.Device.NumEngines),
			MaxBatchSize: uint32(cfg.Device.MaxBatchSize),
			MemorySize:   uint64(cfg.Device.MemorySize),
			MaxAllocSize: uint64(cfg.Device.MaxAllocSize),
			Features:     FeatFP32 | FeatFP16 | FeatInt8 | FeatBatch,
		},
		mem:         memory.NewManager(cfg.Device.MemorySize, cfg.Device.MaxAllocSize, cfg.Device.Granularity, importer, log),
		fences:      tracker,
		dma:         dma.NewEngine(cfg.DMA.Channels, tracker, log),
		compute:     engine.New(cfg.Device.NumEngines, log),
		buffers:     handle.New[*memory.Buffer](cfg.Device.MaxBuffers),
		models:      handle.New[*model.Model](cfg.Device.MaxModels),
		syncTimeout: cfg.DMA.SyncTimeout,
	}
	log.Info("device context created",
		zap.String("instance", c.caps.InstanceID),
		zap.Int64("memory", cfg.Device.MemorySize),
		zap.Int("engines", cfg.Device.NumEngines),
		zap.Int("dma_channels", cfg.DMA.Channels))
	return c
}

// Caps returns the advertised capabilities.
func (c *Context) Caps() Caps { return c.caps }

// Fences exposes the completion tracker.
func (c *Context) Fences() *fence.Tracker { return c.fences }

// AllocBuffer reserves device memory and registers it, returning the handle
// and the assigned device address. A full handle table unwinds the memory
// debit before failing.
func (c *Context) AllocBuffer(size int64, flags uint32) (handle.Handle, uint64, error) {
	buf, err := c.mem.Allocate(size, flags, memory.Bidirectional)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	h, err := c.buffers.Allocate(buf)
	c.mu.Unlock()
	if err != nil {
		c.mem.Release(buf)
		return 0, 0, err
	}

	c.log.Debug("buffer allocated",
		zap.Uint64("handle", uint64(h)),
		zap.Int64("size", size),
		zap.Uint64("addr", buf.Addr()))
	return h, buf.Addr(), nil
}

// ImportBuffer pins caller-owned host memory and registers it.
func (c *Context) ImportBuffer(host []byte, dir memory.Direction) (handle.Handle, error) {
	buf, err := c.mem.Import(host, dir)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	h, err := c.buffers.Allocate(buf)
	c.mu.Unlock()
	if err != nil {
		c.mem.Release(buf)
		return 0, err
	}
	return h, nil
}

// FreeBuffer detaches the buffer and returns its memory to the budget. An
// unknown handle fails with InvalidArgument and has no side effects.
func (c *Context) FreeBuffer(h handle.Handle) error {
	c.mu.Lock()
	buf, ok := c.buffers.Release(h)
	c.mu.Unlock()
	if !ok {
		return errors.Wrapf(status.ErrInvalidArgument, "unknown buffer handle %d", h)
	}
	c.mem.Release(buf)
	return nil
}

// GetBuffer resolves a buffer handle.
func (c *Context) GetBuffer(h handle.Handle) (*memory.Buffer, error) {
	c.mu.Lock()
	buf, ok := c.buffers.Get(h)
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(status.ErrInvalidArgument, "unknown buffer handle %d", h)
	}
	return buf, nil
}

// MapBuffer exposes a buffer's region to the caller, the mmap analog.
func (c *Context) MapBuffer(h handle.Handle) ([]byte, error) {
	buf, err := c.GetBuffer(h)
	if err != nil {
		return nil, err
	}
	return buf.Map(), nil
}

// UnmapBuffer balances MapBuffer.
func (c *Context) UnmapBuffer(h handle.Handle) error {
	buf, err := c.GetBuffer(h)
	if err != nil {
		return err
	}
	if !buf.Unmap() {
		return errors.Wrapf(status.ErrInvalidArgument, "buffer %d is not mapped", h)
	}
	return nil
}

// WriteBuffer moves host bytes into a buffer region through the transfer
// engine. The device lock is dropped before the transfer blocks.
func (c *Context) WriteBuffer(h handle.Handle, src []byte, offset int64) error {
	buf, err := c.GetBuffer(h)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(src)) > buf.Size() {
		return errors.Wrapf(status.ErrInvalidArgument,
			"write of %d bytes at %d exceeds buffer size %d", len(src), offset, buf.Size())
	}
	if len(src) == 0 {
		return nil
	}
	c.mem.Ref(buf)
	defer c.mem.Unref(buf)
	if err := c.mem.SyncForDevice(buf); err != nil {
		return err
	}
	return c.dma.TransferSync(dma.Request{
		Dst:       buf.Bytes()[offset:],
		Src:       src,
		Size:      len(src),
		Direction: "host_to_device",
	}, c.syncTimeout)
}

// ReadBuffer moves bytes from a buffer region back to the host.
func (c *Context) ReadBuffer(h handle.Handle, dst []byte, offset int64) error {
	buf, err := c.GetBuffer(h)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(dst)) > buf.Size() {
		return errors.Wrapf(status.ErrInvalidArgument,
			"read of %d bytes at %d exceeds buffer size %d", len(dst), offset, buf.Size())
	}
	if len(dst) == 0 {
		return nil
	}
	c.mem.Ref(buf)
	defer c.mem.Unref(buf)
	if err := c.mem.SyncForCPU(buf); err != nil {
		return err
	}
	return c.dma.TransferSync(dma.Request{
		Dst:       dst,
		Src:       buf.Bytes()[offset:],
		Size:      len(dst),
		Direction: "device_to_host",
	}, c.syncTimeout)
}

// LoadModel registers a model blob.
func (c *Context) LoadModel(data []byte, flags uint32) (handle.Handle, error) {
	if int64(len(data)) > int64(c.caps.MaxAllocSize) {
		return 0, errors.Wrapf(status.ErrInvalidArgument,
			"model of %d bytes exceeds max size %d", len(data), c.caps.MaxAllocSize)
	}
	m, err := model.Load(data, flags)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	h, err := c.models.Allocate(m)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	c.log.Debug("model loaded", zap.Uint64("handle", uint64(h)), zap.Int64("size", m.Size()))
	return h, nil
}

// UnloadModel removes a model. Jobs already holding the resolved model run
// to completion against it.
func (c *Context) UnloadModel(h handle.Handle) error {
	c.mu.Lock()
	_, ok := c.models.Release(h)
	c.mu.Unlock()
	if !ok {
		return errors.Wrapf(status.ErrInvalidArgument, "unknown model handle %d", h)
	}
	return nil
}

// GetModel resolves a model handle.
func (c *Context) GetModel(h handle.Handle) (*model.Model, error) {
	c.mu.Lock()
	m, ok := c.models.Get(h)
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(status.ErrInvalidArgument, "unknown model handle %d", h)
	}
	return m, nil
}

// SubmitParams carries one inference submission.
type SubmitParams struct {
	Model      handle.Handle
	Input      handle.Handle
	Output     handle.Handle
	InputSize  uint32
	OutputSize uint32
	BatchSize  uint32
	Flags      uint32
	Priority   uint32
}

// Submit validates and runs one inference job. All three handles are
// resolved under the device lock; if any is missing the whole command fails
// before any effect, and the inference counter is untouched. The returned
// fence resolves before Submit returns unless InferAsync is set.
func (c *Context) Submit(p SubmitParams) (uint64, error) {
	c.mu.Lock()
	m, okM := c.models.Get(p.Model)
	in, okI := c.buffers.Get(p.Input)
	out, okO := c.buffers.Get(p.Output)
	c.mu.Unlock()
	if !okM || !okI || !okO {
		return 0, errors.Wrapf(status.ErrInvalidArgument,
			"unresolved handles (model=%v input=%v output=%v)", okM, okI, okO)
	}

	if int64(p.InputSize) > in.Size() || int64(p.OutputSize) > out.Size() {
		return 0, errors.Wrapf(status.ErrInvalidArgument,
			"job sizes %d/%d exceed buffer sizes %d/%d", p.InputSize, p.OutputSize, in.Size(), out.Size())
	}

	// The job holds references so a concurrent FreeBuffer cannot pull the
	// backing storage out from under it.
	c.mem.Ref(in)
	c.mem.Ref(out)

	f := c.fences.Issue()
	job := func() {
		defer c.mem.Unref(in)
		defer c.mem.Unref(out)
		start := time.Now()
		var res engine.Result
		err := c.mem.SyncForDevice(in)
		if err == nil {
			res, err = c.compute.Infer(m, in.Bytes()[:p.InputSize], out.Bytes()[:p.OutputSize])
		}
		if err == nil {
			err = c.mem.SyncForCPU(out)
		}
		end := time.Now()

		st := fence.StatusSuccess
		if err != nil {
			st = fence.StatusError
			c.failedJobs.Add(1)
			metrics.InferencesTotal.WithLabelValues("error").Inc()
			c.log.Warn("inference failed", zap.Uint64("fence", f), zap.Error(err))
		} else {
			c.inferences.Add(1)
			c.completedJobs.Add(1)
			c.bytesProcessed.Add(uint64(p.InputSize) + uint64(p.OutputSize))
			c.latencyTotalNS.Add(uint64(end.Sub(start).Nanoseconds()))
			metrics.InferencesTotal.WithLabelValues("success").Inc()
		}
		metrics.InferenceDuration.Observe(float64(end.Sub(start).Microseconds()) / 1000.0)

		c.fences.Complete(f, st, fence.Profile{
			Start:        start,
			End:          end,
			HWCycles:     res.Cycles,
			BytesRead:    uint64(p.InputSize),
			BytesWritten: uint64(res.Bytes),
			EngineID:     res.EngineID,
		})
	}

	if p.Flags&InferAsync != 0 {
		go job()
	} else {
		job()
	}
	return f, nil
}

// Wait blocks on a fence with a deadline.
func (c *Context) Wait(f uint64, timeout time.Duration) (fence.Status, error) {
	return c.fences.Wait(f, timeout)
}

// Profile returns and consumes a resolved fence's profiling record.
func (c *Context) Profile(f uint64) (fence.Profile, error) {
	return c.fences.Profile(f)
}

// SetPowerMode configures the device power state.
func (c *Context) SetPowerMode(mode PowerMode) error {
	if mode >= PowerModeCount {
		return errors.Wrapf(status.ErrInvalidArgument, "power mode %d out of range", mode)
	}
	c.power.Store(uint32(mode))
	metrics.PowerMode.Set(float64(mode))
	c.log.Info("power mode set", zap.String("mode", mode.String()))
	return nil
}

// Stats snapshots the aggregate counters.
func (c *Context) Stats() Stats {
	completed := c.completedJobs.Load()
	var avg uint64
	if completed > 0 {
		avg = c.latencyTotalNS.Load() / uint64(completed)
	}
	return Stats{
		TotalInferences:     c.inferences.Load(),
		TotalBytesProcessed: c.bytesProcessed.Load(),
		MemoryUsed:          uint64(c.mem.Used()),
		MemoryTotal:         uint64(c.mem.Total()),
		ActiveJobs:          uint32(c.fences.Pending()),
		CompletedJobs:       completed,
		FailedJobs:          c.failedJobs.Load(),
		AverageLatencyNS:    avg,
		PowerMode:           PowerMode(c.power.Load()),
	}
}

// MemoryUsed reports the budget debit, for tests and tooling.
func (c *Context) MemoryUsed() int64 { return c.mem.Used() }

// Close releases every live buffer and model. Safe to call once; later
// calls are no-ops.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.buffers.Drain(func(h handle.Handle, buf *memory.Buffer) {
		c.mem.Release(buf)
	})
	c.models.Drain(func(handle.Handle, *model.Model) {})
	c.mu.Unlock()
	c.log.Info("device context closed", zap.String("instance", c.caps.InstanceID))
}
