package memory

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/status"
)

// HostImporter pins a host memory range page by page so the device can
// address it. Implementations report how many pages they actually pinned;
// a short count means partial failure and the caller unwinds.
type HostImporter interface {
	// PinPages pins count pages starting at the page-aligned base.
	// Returns the number of pages pinned, which may be short of count.
	PinPages(base uintptr, count int, writable bool) (int, error)
	// UnpinPages releases count pages starting at the page-aligned base.
	UnpinPages(base uintptr, count int)
	// PageSize is the pinning granularity in bytes.
	PageSize() int
}

// Import registers caller-owned host memory with the device. The range is
// pinned and described by a scatter list: the first segment starts at the
// address's offset within its page, every later segment starts on a page
// boundary, and the last carries the remainder. Partial pins are fully
// unwound before the error returns; no budget is debited for imports.
func (m *Manager) Import(host []byte, dir Direction) (*Buffer, error) {
	if m.importer == nil {
		return nil, errors.Wrap(status.ErrNotSupported, "host memory import disabled")
	}
	if len(host) == 0 {
		return nil, errors.Wrap(status.ErrInvalidArgument, "import of empty range")
	}

	pageSize := m.importer.PageSize()
	base := uintptr(unsafe.Pointer(&host[0]))
	firstOff := int(base % uintptr(pageSize))
	pageBase := base - uintptr(firstOff)
	npages := (len(host) + firstOff + pageSize - 1) / pageSize

	// The device writes imported memory when data flows from it.
	writable := dir != ToDevice

	pinned, err := m.importer.PinPages(pageBase, npages, writable)
	if err != nil || pinned < npages {
		if pinned > 0 {
			m.importer.UnpinPages(pageBase, pinned)
		}
		if err == nil {
			err = errors.Errorf("pinned %d of %d pages", pinned, npages)
		}
		return nil, errors.Wrapf(status.ErrIO, "pinning host range: %v", err)
	}

	segs := make([]Segment, 0, npages)
	remaining := len(host)
	for i := 0; i < npages; i++ {
		off := 0
		if i == 0 {
			off = firstOff
		}
		length := pageSize - off
		if length > remaining {
			length = remaining
		}
		segs = append(segs, Segment{
			Base:   pageBase + uintptr(i*pageSize),
			Offset: off,
			Length: length,
		})
		remaining -= length
	}

	m.mu.Lock()
	addr := m.nextAddr
	m.nextAddr += uint64(m.align(int64(len(host))))
	m.mu.Unlock()

	m.log.Debug("imported host range",
		zap.Int("size", len(host)),
		zap.Int("pages", npages),
		zap.Uint64("addr", addr))

	return &Buffer{
		size: int64(len(host)),
		dir:  dir,
		addr: addr,
		host: host,
		segs: segs,
	}, nil
}

// HeapImporter satisfies HostImporter for memory that is already resident
// in the process heap. It only bookkeeps pin counts; the backing pages need
// no locking to stay addressable. Used on platforms without mlock and in
// tests.
type HeapImporter struct {
	pageSize int

	mu     sync.Mutex
	pinned map[uintptr]int
}

func NewHeapImporter(pageSize int) *HeapImporter {
	return &HeapImporter{
		pageSize: pageSize,
		pinned:   make(map[uintptr]int),
	}
}

func (h *HeapImporter) PinPages(base uintptr, count int, writable bool) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < count; i++ {
		h.pinned[base+uintptr(i*h.pageSize)]++
	}
	return count, nil
}

func (h *HeapImporter) UnpinPages(base uintptr, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < count; i++ {
		page := base + uintptr(i*h.pageSize)
		if h.pinned[page] > 1 {
			h.pinned[page]--
		} else {
			delete(h.pinned, page)
		}
	}
}

func (h *HeapImporter) PageSize() int { return h.pageSize }

// PinnedPages reports how many distinct pages are currently pinned.
func (h *HeapImporter) PinnedPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pinned)
}
