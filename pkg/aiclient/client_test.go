package aiclient

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/internal/device"
	"github.com/accelforge/aicore/internal/model"
	"github.com/accelforge/aicore/internal/status"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Device.MemorySize = 64 << 20
	c, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func identityBlob(n int) []byte {
	b := make([]byte, 4*n*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[4*(i*n+i):], math.Float32bits(1))
	}
	return b
}

func floatBytes(vals []float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestClientInfo(t *testing.T) {
	c := newTestClient(t)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, uint32(device.Version), info.Version)
	assert.Equal(t, uint64(64<<20), info.MemorySize)
	assert.NotZero(t, info.NumEngines)
	assert.NotZero(t, info.Features&device.FeatFP32)
}

func TestClientBufferLifecycle(t *testing.T) {
	c := newTestClient(t)

	buf, err := c.AllocBuffer(1 << 20)
	require.NoError(t, err)
	assert.NotZero(t, buf.Handle())
	assert.NotZero(t, buf.DeviceAddr())
	assert.Equal(t, int64(1<<20), buf.Size())

	require.NoError(t, buf.Free())
	assert.ErrorIs(t, buf.Free(), status.ErrInvalidArgument)
}

func TestClientCopyRoundTrip(t *testing.T) {
	c := newTestClient(t)

	buf, err := c.AllocBuffer(4096)
	require.NoError(t, err)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i * 7)
	}
	require.NoError(t, c.CopyToDevice(buf, src, 0))

	dst := make([]byte, 4096)
	require.NoError(t, c.CopyFromDevice(dst, buf, 0))
	assert.Equal(t, src, dst)

	// Offset copies stay inside the buffer bounds.
	require.NoError(t, c.CopyToDevice(buf, []byte{0xFF}, 4095))
	tail := make([]byte, 1)
	require.NoError(t, c.CopyFromDevice(tail, buf, 4095))
	assert.Equal(t, byte(0xFF), tail[0])

	assert.ErrorIs(t, c.CopyToDevice(buf, []byte{1, 2}, 4095), status.ErrInvalidArgument)
	assert.ErrorIs(t, c.CopyFromDevice(dst, buf, 1), status.ErrInvalidArgument)
}

func TestClientMap(t *testing.T) {
	c := newTestClient(t)

	buf, err := c.AllocBuffer(4096)
	require.NoError(t, err)

	m, err := buf.Map()
	require.NoError(t, err)
	m[0] = 0xAB

	dst := make([]byte, 1)
	require.NoError(t, c.CopyFromDevice(dst, buf, 0))
	assert.Equal(t, byte(0xAB), dst[0])

	require.NoError(t, buf.Unmap())
	assert.ErrorIs(t, buf.Unmap(), status.ErrInvalidArgument)
}

func TestClientLoadModelFromFile(t *testing.T) {
	c := newTestClient(t)

	path := filepath.Join(t.TempDir(), "identity.bin")
	require.NoError(t, os.WriteFile(path, identityBlob(8), 0o644))

	m, err := c.LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4*8*8), m.Size())
	assert.Equal(t, 1, m.NumInputs())
	assert.Equal(t, 1, m.NumOutputs())

	in, err := m.Input(0)
	require.NoError(t, err)
	assert.Equal(t, model.Float32, in.DType)
	assert.Equal(t, []int{8}, in.Shape)

	require.NoError(t, m.Unload())

	_, err = c.LoadModel(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, status.ErrIO)
}

func TestClientRunInference(t *testing.T) {
	c := newTestClient(t)
	const n = 4

	m, err := c.LoadModelFromMemory(identityBlob(n))
	require.NoError(t, err)
	in, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)
	out, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)

	inputs := []float32{0.5, -1, 0.25, 0}
	require.NoError(t, c.CopyToDevice(in, floatBytes(inputs), 0))

	require.NoError(t, c.RunInference(m, in, out, nil))

	got := make([]byte, 4*n)
	require.NoError(t, c.CopyFromDevice(got, out, 0))
	for i, v := range inputs {
		f := math.Float32frombits(binary.LittleEndian.Uint32(got[4*i:]))
		assert.InDelta(t, math.Tanh(float64(v)), float64(f), 1e-5)
	}
}

func TestClientAsyncJob(t *testing.T) {
	c := newTestClient(t)
	const n = 4

	m, err := c.LoadModelFromMemory(identityBlob(n))
	require.NoError(t, err)
	in, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)
	out, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)
	require.NoError(t, c.CopyToDevice(in, floatBytes([]float32{1, 2, 3, 4}), 0))

	job, err := c.SubmitInference(m, in, out, &InferenceOptions{Profiling: true})
	require.NoError(t, err)
	require.NotZero(t, job.Fence())

	require.NoError(t, job.Wait(time.Second))

	done, err := job.Done()
	require.NoError(t, err)
	assert.True(t, done)

	p, err := job.Profile()
	require.NoError(t, err)
	assert.Equal(t, job.Fence(), p.Fence)
	assert.Equal(t, uint64(2*n*n), p.HWCycles)
	assert.Equal(t, uint64(4*n), p.MemoryRead)
	assert.False(t, p.End.Before(p.Start))

	// The record is consumed by the first read.
	_, err = job.Profile()
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestClientJobRelease(t *testing.T) {
	c := newTestClient(t)
	const n = 4

	m, err := c.LoadModelFromMemory(identityBlob(n))
	require.NoError(t, err)
	in, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)
	out, err := c.AllocBuffer(4 * n)
	require.NoError(t, err)

	job, err := c.SubmitInference(m, in, out, nil)
	require.NoError(t, err)
	require.NoError(t, job.Wait(time.Second))

	job.Release()
	_, err = job.Profile()
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestClientStatsAndPower(t *testing.T) {
	c := newTestClient(t)

	_, err := c.AllocBuffer(8192)
	require.NoError(t, err)

	require.NoError(t, c.SetPowerMode(device.PowerMax))
	assert.ErrorIs(t, c.SetPowerMode(device.PowerMode(99)), status.ErrInvalidArgument)

	s, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), s.MemoryUsed)
	assert.Equal(t, uint64(64<<20), s.MemoryTotal)
	assert.Equal(t, device.PowerMax, s.PowerMode)
}

func TestClientClosed(t *testing.T) {
	c := newTestClient(t)
	buf, err := c.AllocBuffer(4096)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Info()
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	_, err = c.AllocBuffer(4096)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.ErrorIs(t, c.CopyToDevice(buf, []byte{1}, 0), status.ErrInvalidArgument)
}
