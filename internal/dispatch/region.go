package dispatch

import "github.com/pkg/errors"

// Region is a caller-owned span of memory the dispatcher copies payloads
// in and out of. Access flags model what the caller mapped: a request the
// dispatcher must read needs a readable region, results need a writable
// one. Read and Write transfer exactly len(p) bytes from offset zero.
type Region interface {
	Len() int
	Readable() bool
	Writable() bool
	Read(p []byte) error
	Write(p []byte) error
}

// MemRegion is the in-process Region used by the client library and tests.
type MemRegion struct {
	buf      []byte
	readable bool
	writable bool
}

// NewMemRegion returns a zeroed region of the given size.
func NewMemRegion(size int, readable, writable bool) *MemRegion {
	return &MemRegion{buf: make([]byte, size), readable: readable, writable: writable}
}

// RegionFromBytes wraps an existing slice without copying it.
func RegionFromBytes(b []byte, readable, writable bool) *MemRegion {
	return &MemRegion{buf: b, readable: readable, writable: writable}
}

func (r *MemRegion) Len() int       { return len(r.buf) }
func (r *MemRegion) Readable() bool { return r.readable }
func (r *MemRegion) Writable() bool { return r.writable }

func (r *MemRegion) Read(p []byte) error {
	if len(p) > len(r.buf) {
		return errors.Errorf("read of %d bytes exceeds region of %d", len(p), len(r.buf))
	}
	copy(p, r.buf)
	return nil
}

func (r *MemRegion) Write(p []byte) error {
	if len(p) > len(r.buf) {
		return errors.Errorf("write of %d bytes exceeds region of %d", len(p), len(r.buf))
	}
	copy(r.buf, p)
	return nil
}

// Bytes exposes the backing slice for decoding results.
func (r *MemRegion) Bytes() []byte { return r.buf }
