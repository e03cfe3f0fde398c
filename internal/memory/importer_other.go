//go:build !linux

package memory

import "os"

// NewPlatformImporter returns the host-memory importer for this platform.
// Pinning is unavailable without mlock, so imports fall back to heap
// bookkeeping regardless of pin.
func NewPlatformImporter(pin bool) HostImporter {
	return NewHeapImporter(os.Getpagesize())
}
