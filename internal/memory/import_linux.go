//go:build linux

package memory

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewPlatformImporter returns the host-memory importer for this platform.
// With pin set, imported ranges are locked with mlock(2); otherwise the
// heap importer only bookkeeps, which is enough for the simulated device.
func NewPlatformImporter(pin bool) HostImporter {
	if pin {
		return NewMlockImporter()
	}
	return NewHeapImporter(os.Getpagesize())
}

// MlockImporter pins host ranges with mlock(2) so the pages cannot be
// swapped out while the device addresses them. Pinning is attempted page by
// page; a failed page (typically RLIMIT_MEMLOCK) yields a short count and
// the manager unwinds.
type MlockImporter struct {
	pageSize int
}

func NewMlockImporter() *MlockImporter {
	return &MlockImporter{pageSize: os.Getpagesize()}
}

func (m *MlockImporter) PinPages(base uintptr, count int, writable bool) (int, error) {
	for i := 0; i < count; i++ {
		page := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i*m.pageSize))), m.pageSize)
		if err := unix.Mlock(page); err != nil {
			return i, err
		}
	}
	return count, nil
}

func (m *MlockImporter) UnpinPages(base uintptr, count int) {
	for i := 0; i < count; i++ {
		page := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i*m.pageSize))), m.pageSize)
		// Best effort: an munlock failure leaves the page locked until
		// process exit, which is harmless.
		_ = unix.Munlock(page)
	}
}

func (m *MlockImporter) PageSize() int { return m.pageSize }
