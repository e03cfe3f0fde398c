package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/status"
)

func newTestManager(t *testing.T, total, maxAlloc int64) *Manager {
	t.Helper()
	return NewManager(total, maxAlloc, 4096, NewHeapImporter(4096), zap.NewNop())
}

func TestAllocateFreeRestoresBudget(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)

	for _, size := range []int64{1, 100, 4096, 4097, 65536} {
		before := m.Used()
		buf, err := m.Allocate(size, 0, Bidirectional)
		require.NoError(t, err, "size %d", size)
		assert.Greater(t, m.Used(), before)

		m.Release(buf)
		assert.Equal(t, before, m.Used(), "budget not restored for size %d", size)
	}
}

func TestAllocateRoundsUpToGranularity(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)

	buf, err := m.Allocate(1, 0, ToDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), buf.Size())
	assert.Equal(t, int64(4096), buf.Accounted())
	assert.Equal(t, int64(4096), m.Used())

	buf2, err := m.Allocate(4097, 0, ToDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), buf2.Accounted())

	m.Release(buf)
	m.Release(buf2)
	assert.Equal(t, int64(0), m.Used())
}

func TestAllocateInvalidSizes(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<16)

	_, err := m.Allocate(0, 0, ToDevice)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, int64(0), m.Used())

	_, err = m.Allocate(-5, 0, ToDevice)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = m.Allocate(1<<16+1, 0, ToDevice)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, int64(0), m.Used())
}

func TestAllocateBudgetExhaustion(t *testing.T) {
	// Budget equals the per-allocation cap: one max-sized allocation fits,
	// the next byte does not.
	m := newTestManager(t, 64<<20, 64<<20)

	buf, err := m.Allocate(64<<20, 0, Bidirectional)
	require.NoError(t, err)

	_, err = m.Allocate(1, 0, Bidirectional)
	assert.ErrorIs(t, err, status.ErrOutOfMemory)

	m.Release(buf)
	_, err = m.Allocate(1, 0, Bidirectional)
	assert.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)
	buf, err := m.Allocate(8192, 0, ToDevice)
	require.NoError(t, err)
	require.Equal(t, int64(8192), m.Used())

	m.Release(buf)
	assert.Equal(t, int64(0), m.Used())

	// Double release must not drive the counter negative.
	m.Release(buf)
	m.Release(nil)
	assert.Equal(t, int64(0), m.Used())
}

func TestReleaseKeepsBackingStorage(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)
	buf, err := m.Allocate(4096, 0, Bidirectional)
	require.NoError(t, err)

	m.Release(buf)
	assert.Equal(t, int64(0), m.Used())

	// A holder that resolved the buffer before the release still sees the
	// full region and can touch it without faulting.
	data := buf.Bytes()
	require.Len(t, data, 4096)
	copy(data[:16], make([]byte, 16))
	assert.True(t, buf.Released())
}

func TestRefDefersNothingForAllocations(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)
	buf, err := m.Allocate(8192, 0, ToDevice)
	require.NoError(t, err)

	m.Ref(buf)
	m.Release(buf)
	// The budget credit is not tied to the reference count.
	assert.Equal(t, int64(0), m.Used())
	m.Unref(buf)
	assert.Equal(t, int64(0), m.Used())
}

func TestAllocateAssignsDistinctAddresses(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)

	const n = 16
	var wg sync.WaitGroup
	bufs := make([]*Buffer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf, err := m.Allocate(4096, 0, ToDevice)
			require.NoError(t, err)
			bufs[i] = buf
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, buf := range bufs {
		assert.NotZero(t, buf.Addr())
		assert.False(t, seen[buf.Addr()], "address %d assigned twice", buf.Addr())
		seen[buf.Addr()] = true
	}
	assert.Equal(t, int64(n*4096), m.Used())
	assert.Equal(t, int64(n*4096), m.Peak())
}

func TestSyncBarriers(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)
	buf, err := m.Allocate(4096, 0, Bidirectional)
	require.NoError(t, err)

	assert.NoError(t, m.SyncForDevice(buf))
	assert.NoError(t, m.SyncForCPU(buf))

	m.Release(buf)
	assert.ErrorIs(t, m.SyncForDevice(buf), status.ErrInvalidArgument)
	assert.ErrorIs(t, m.SyncForCPU(buf), status.ErrInvalidArgument)
}

func TestMapUnmap(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<20)
	buf, err := m.Allocate(4096, 0, Bidirectional)
	require.NoError(t, err)

	region := buf.Map()
	assert.Len(t, region, 4096)
	assert.True(t, buf.Unmap())
	assert.False(t, buf.Unmap())
}
