package device

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/internal/fence"
	"github.com/accelforge/aicore/internal/memory"
	"github.com/accelforge/aicore/internal/status"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := config.Default()
	cfg.Device.MemorySize = 64 << 20
	cfg.Device.MaxAllocSize = 64 << 20
	c := New(cfg, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func identityModel(n int) []byte {
	blob := make([]byte, 4*n*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(blob[4*(i*n+i):], math.Float32bits(1))
	}
	return blob
}

func TestAllocFreeBuffer(t *testing.T) {
	c := newTestContext(t)

	h, addr, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.NotZero(t, addr)
	assert.Equal(t, int64(4096), c.MemoryUsed())

	require.NoError(t, c.FreeBuffer(h))
	assert.Equal(t, int64(0), c.MemoryUsed())

	// Freeing again is InvalidArgument with no budget effect.
	err = c.FreeBuffer(h)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, int64(0), c.MemoryUsed())
}

func TestAllocAtCapThenOOM(t *testing.T) {
	c := newTestContext(t)

	h, _, err := c.AllocBuffer(64<<20, 0)
	require.NoError(t, err)

	_, _, err = c.AllocBuffer(1, 0)
	assert.ErrorIs(t, err, status.ErrOutOfMemory)

	require.NoError(t, c.FreeBuffer(h))
}

func TestWriteReadBuffer(t *testing.T) {
	c := newTestContext(t)
	h, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i % 251)
	}
	require.NoError(t, c.WriteBuffer(h, src, 0))

	dst := make([]byte, 4096)
	require.NoError(t, c.ReadBuffer(h, dst, 0))
	assert.Equal(t, src, dst)

	// Offset round trip.
	require.NoError(t, c.WriteBuffer(h, []byte{9, 9}, 100))
	two := make([]byte, 2)
	require.NoError(t, c.ReadBuffer(h, two, 100))
	assert.Equal(t, []byte{9, 9}, two)

	// Out of bounds.
	err = c.WriteBuffer(h, make([]byte, 8), 4090)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	err = c.ReadBuffer(h, make([]byte, 1), 4096)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestSubmitUnknownHandles(t *testing.T) {
	c := newTestContext(t)
	in, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)
	out, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	before := c.Stats().TotalInferences
	_, err = c.Submit(SubmitParams{Model: 42, Input: in, Output: out, InputSize: 16, OutputSize: 16})
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, before, c.Stats().TotalInferences)
}

func TestSubmitSyncInference(t *testing.T) {
	c := newTestContext(t)

	mh, err := c.LoadModel(identityModel(4), 0)
	require.NoError(t, err)
	in, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)
	out, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	x := make([]byte, 16)
	binary.LittleEndian.PutUint32(x[0:], math.Float32bits(0.5))
	require.NoError(t, c.WriteBuffer(in, x, 0))

	prevFence := c.Fences().Last()
	f, err := c.Submit(SubmitParams{
		Model: mh, Input: in, Output: out,
		InputSize: 16, OutputSize: 16, BatchSize: 1,
		Flags: InferSync,
	})
	require.NoError(t, err)
	assert.Greater(t, f, prevFence)

	st, err := c.Wait(f, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusSuccess, st)

	got := make([]byte, 16)
	require.NoError(t, c.ReadBuffer(out, got, 0))
	y0 := math.Float32frombits(binary.LittleEndian.Uint32(got[0:]))
	assert.InDelta(t, math.Tanh(0.5), float64(y0), 1e-5)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalInferences)
	assert.Equal(t, uint64(32), stats.TotalBytesProcessed)
	assert.Equal(t, uint32(1), stats.CompletedJobs)
}

func TestSubmitAsyncInference(t *testing.T) {
	c := newTestContext(t)

	mh, err := c.LoadModel(identityModel(4), 0)
	require.NoError(t, err)
	in, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)
	out, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	f, err := c.Submit(SubmitParams{
		Model: mh, Input: in, Output: out,
		InputSize: 16, OutputSize: 16, BatchSize: 1,
		Flags: InferAsync,
	})
	require.NoError(t, err)

	st, err := c.Wait(f, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusSuccess, st)

	p, err := c.Profile(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), p.BytesRead)
	assert.NotZero(t, p.HWCycles)
	assert.False(t, p.End.Before(p.Start))
}

func TestFreeBufferKeepsResolvedView(t *testing.T) {
	c := newTestContext(t)
	h, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	// Resolve first, then free: the handle detaches but the resolved
	// pointer keeps its full-length view.
	buf, err := c.GetBuffer(h)
	require.NoError(t, err)
	require.NoError(t, c.FreeBuffer(h))
	assert.Equal(t, int64(0), c.MemoryUsed())

	data := buf.Bytes()
	require.Len(t, data, 4096)
	_ = data[:16]
}

func TestFreeBufferDuringAsyncJob(t *testing.T) {
	c := newTestContext(t)

	mh, err := c.LoadModel(identityModel(64), 0)
	require.NoError(t, err)
	in, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)
	out, _, err := c.AllocBuffer(4096, 0)
	require.NoError(t, err)

	f, err := c.Submit(SubmitParams{
		Model: mh, Input: in, Output: out,
		InputSize: 256, OutputSize: 256, BatchSize: 1,
		Flags: InferAsync,
	})
	require.NoError(t, err)

	// Free both buffers while the job may still be running. The job holds
	// references, so it must resolve without panicking either way.
	require.NoError(t, c.FreeBuffer(in))
	require.NoError(t, c.FreeBuffer(out))

	st, err := c.Wait(f, time.Second)
	require.NoError(t, err)
	assert.Contains(t, []fence.Status{fence.StatusSuccess, fence.StatusError}, st)
	assert.Equal(t, int64(0), c.MemoryUsed())
}

func TestSubmitOversizedJob(t *testing.T) {
	c := newTestContext(t)
	mh, err := c.LoadModel(make([]byte, 100), 0)
	require.NoError(t, err)
	in, _, err := c.AllocBuffer(64, 0)
	require.NoError(t, err)
	out, _, err := c.AllocBuffer(64, 0)
	require.NoError(t, err)

	_, err = c.Submit(SubmitParams{Model: mh, Input: in, Output: out, InputSize: 128, OutputSize: 16})
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestUnloadModel(t *testing.T) {
	c := newTestContext(t)
	mh, err := c.LoadModel(make([]byte, 100), 0)
	require.NoError(t, err)

	require.NoError(t, c.UnloadModel(mh))
	assert.ErrorIs(t, c.UnloadModel(mh), status.ErrInvalidArgument)

	_, err = c.GetModel(mh)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestSetPowerMode(t *testing.T) {
	c := newTestContext(t)

	require.NoError(t, c.SetPowerMode(PowerHigh))
	assert.Equal(t, PowerHigh, c.Stats().PowerMode)

	err := c.SetPowerMode(PowerMode(5))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, PowerHigh, c.Stats().PowerMode)
}

func TestConcurrentAllocators(t *testing.T) {
	c := newTestContext(t)

	const n = 32
	var wg sync.WaitGroup
	handles := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := c.AllocBuffer(4096, 0)
			require.NoError(t, err)
			handles[i] = uint64(h)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, h := range handles {
		assert.False(t, seen[h])
		seen[h] = true
	}
	assert.Equal(t, int64(n*4096), c.MemoryUsed())
}

func TestCloseReleasesEverything(t *testing.T) {
	cfg := config.Default()
	c := New(cfg, zap.NewNop())

	_, _, err := c.AllocBuffer(8192, 0)
	require.NoError(t, err)
	_, err = c.LoadModel(make([]byte, 64), 0)
	require.NoError(t, err)

	c.Close()
	assert.Equal(t, int64(0), c.MemoryUsed())
	c.Close() // idempotent
}

func TestImportBufferLifecycle(t *testing.T) {
	c := newTestContext(t)

	host := make([]byte, 8192)
	h, err := c.ImportBuffer(host, memory.Bidirectional)
	require.NoError(t, err)

	buf, err := c.GetBuffer(h)
	require.NoError(t, err)
	assert.True(t, buf.Imported())
	assert.NotEmpty(t, buf.Segments())

	require.NoError(t, c.FreeBuffer(h))
}
