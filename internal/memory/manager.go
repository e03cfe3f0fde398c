// Package memory allocates device-addressable regions against a device-wide
// budget and imports caller-owned host memory through a pluggable pinning
// capability.
package memory

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/metrics"
	"github.com/accelforge/aicore/internal/status"
)

// Manager tracks the device memory budget and owns every buffer it hands
// out until Release.
type Manager struct {
	log         *zap.Logger
	total       int64
	maxAlloc    int64
	granularity int64
	importer    HostImporter

	mu       sync.Mutex
	used     int64
	peak     int64
	nextAddr uint64
}

// NewManager builds a manager for a device advertising total bytes of
// memory, a per-allocation cap and an allocation granularity. importer may
// be nil, in which case host imports fail with NotSupported.
func NewManager(total, maxAlloc, granularity int64, importer HostImporter, log *zap.Logger) *Manager {
	if granularity <= 0 {
		granularity = 4096
	}
	return &Manager{
		log:         log.Named("memory"),
		total:       total,
		maxAlloc:    maxAlloc,
		granularity: granularity,
		importer:    importer,
		nextAddr:    uint64(granularity), // device address 0 stays invalid
	}
}

func (m *Manager) align(size int64) int64 {
	return (size + m.granularity - 1) / m.granularity * m.granularity
}

// Allocate reserves a coherent device region of at least size bytes. The
// size is rounded up to the allocation granularity before the budget is
// debited; the rounded amount is recorded on the buffer and credited back
// exactly on Release.
func (m *Manager) Allocate(size int64, flags uint32, dir Direction) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrap(status.ErrInvalidArgument, "allocation size must be positive")
	}
	if size > m.maxAlloc {
		return nil, errors.Wrapf(status.ErrInvalidArgument, "allocation of %d bytes exceeds per-allocation cap %d", size, m.maxAlloc)
	}

	aligned := m.align(size)

	m.mu.Lock()
	if m.used+aligned > m.total {
		used := m.used
		m.mu.Unlock()
		return nil, errors.Wrapf(status.ErrOutOfMemory, "%d bytes requested, %d of %d in use", aligned, used, m.total)
	}
	m.used += aligned
	if m.used > m.peak {
		m.peak = m.used
	}
	addr := m.nextAddr
	m.nextAddr += uint64(aligned)
	used := m.used
	m.mu.Unlock()

	metrics.MemoryUsedBytes.Set(float64(used))
	m.log.Debug("allocated buffer",
		zap.Int64("size", size),
		zap.Int64("accounted", aligned),
		zap.Uint64("addr", addr))

	return &Buffer{
		size:      size,
		accounted: aligned,
		flags:     flags,
		dir:       dir,
		addr:      addr,
		data:      make([]byte, aligned),
	}, nil
}

// Release returns a buffer's memory to the budget. Safe against double
// release: only the first call credits the budget. The credit is the
// amount recorded at allocation time; the used counter can never
// underflow. The backing storage stays intact so a job that resolved the
// buffer before the release keeps a usable view until it drops its
// reference; the garbage collector reclaims the bytes once the last
// holder is gone.
func (m *Manager) Release(buf *Buffer) {
	if buf == nil || !buf.released.CompareAndSwap(false, true) {
		return
	}

	if buf.Imported() {
		m.mu.Lock()
		idle := buf.users == 0 && !buf.unpinned
		if idle {
			buf.unpinned = true
		}
		m.mu.Unlock()
		if idle {
			m.unpin(buf)
		}
		return
	}

	m.mu.Lock()
	credit := buf.accounted
	if credit > m.used {
		credit = m.used
	}
	m.used -= credit
	used := m.used
	m.mu.Unlock()

	metrics.MemoryUsedBytes.Set(float64(used))
	m.log.Debug("released buffer",
		zap.Int64("accounted", buf.accounted),
		zap.Uint64("addr", buf.addr))
}

func (m *Manager) unpin(buf *Buffer) {
	if m.importer != nil && len(buf.segs) > 0 {
		m.importer.UnpinPages(buf.segs[0].Base, len(buf.segs))
	}
}

// Ref marks a buffer as in use by a job. Imported buffers stay pinned
// until the last Unref even if the buffer is released in between.
func (m *Manager) Ref(buf *Buffer) {
	if buf == nil {
		return
	}
	m.mu.Lock()
	buf.users++
	m.mu.Unlock()
}

// Unref drops a job's reference. The last reference on a released import
// performs the deferred unpin.
func (m *Manager) Unref(buf *Buffer) {
	if buf == nil {
		return
	}
	m.mu.Lock()
	buf.users--
	unpin := buf.users == 0 && buf.released.Load() && buf.Imported() && !buf.unpinned
	if unpin {
		buf.unpinned = true
	}
	m.mu.Unlock()
	if unpin {
		m.unpin(buf)
	}
}

// Used reports the bytes currently debited from the budget.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Peak reports the budget high-water mark.
func (m *Manager) Peak() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Total reports the advertised device memory size.
func (m *Manager) Total() int64 { return m.total }

// MaxAlloc reports the per-allocation cap.
func (m *Manager) MaxAlloc() int64 { return m.maxAlloc }

// SyncForDevice is the coherence barrier before device access. Buffers
// without a scatter list are coherent by construction, so only imported
// regions would need work; the simulated transfer path reads host memory
// directly, which is already coherent on the host CPU.
func (m *Manager) SyncForDevice(buf *Buffer) error {
	if buf == nil || buf.Released() {
		return errors.Wrap(status.ErrInvalidArgument, "sync on released buffer")
	}
	return nil
}

// SyncForCPU is the coherence barrier after device access. See
// SyncForDevice for why this is a no-op in the simulated device.
func (m *Manager) SyncForCPU(buf *Buffer) error {
	if buf == nil || buf.Released() {
		return errors.Wrap(status.ErrInvalidArgument, "sync on released buffer")
	}
	return nil
}
