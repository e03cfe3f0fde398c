package memory

import "sync/atomic"

// Direction declares which way data moves through a buffer.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to_device"
	case FromDevice:
		return "from_device"
	case Bidirectional:
		return "bidirectional"
	default:
		return "invalid"
	}
}

// Allocation flags, carried through from the caller unchanged.
const (
	AllocCached       uint32 = 1 << 0
	AllocWriteCombine uint32 = 1 << 1
	AllocCoherent     uint32 = 1 << 2
)

// Segment describes one page-granular piece of an imported host region.
type Segment struct {
	Base   uintptr // page-aligned host address
	Offset int     // offset into the page, non-zero only on the first segment
	Length int
}

// Buffer is a device-accessible memory region. Its size is fixed at
// creation and its backing store is owned by the handle-table entry until
// released. A directly allocated buffer carries a coherent backing slice; an
// imported one references pinned caller memory through a scatter list.
type Buffer struct {
	size      int64
	accounted int64 // page-aligned amount debited from the budget, 0 for imports
	flags     uint32
	dir       Direction
	addr      uint64

	data []byte // coherent allocation, nil for imports
	host []byte // imported caller memory, nil for allocations
	segs []Segment

	users    int  // jobs currently holding the buffer, guarded by the manager lock
	unpinned bool // import already unpinned, guarded by the manager lock

	mapped   atomic.Bool
	released atomic.Bool
}

// Size is the byte count the caller asked for.
func (b *Buffer) Size() int64 { return b.size }

// Accounted is the page-aligned amount actually debited on allocation.
func (b *Buffer) Accounted() int64 { return b.accounted }

// Addr is the opaque device address assigned to the region.
func (b *Buffer) Addr() uint64 { return b.addr }

// Flags returns the allocation flags.
func (b *Buffer) Flags() uint32 { return b.flags }

// Dir returns the declared transfer direction.
func (b *Buffer) Dir() Direction { return b.dir }

// Imported reports whether the buffer wraps pinned caller memory.
func (b *Buffer) Imported() bool { return b.host != nil }

// Segments returns the scatter list of an imported buffer, nil otherwise.
func (b *Buffer) Segments() []Segment { return b.segs }

// Bytes exposes the addressable region for transfers.
func (b *Buffer) Bytes() []byte {
	if b.host != nil {
		return b.host
	}
	return b.data
}

// Map marks the buffer mapped and returns its region. The mapped flag only
// guards against unbalanced Unmap calls; the region itself is always
// CPU-visible in the simulated device.
func (b *Buffer) Map() []byte {
	b.mapped.Store(true)
	return b.Bytes()
}

// Unmap clears the mapped flag. Reports false if the buffer was not mapped.
func (b *Buffer) Unmap() bool {
	return b.mapped.CompareAndSwap(true, false)
}

// Released reports whether the buffer was already handed back.
func (b *Buffer) Released() bool { return b.released.Load() }
