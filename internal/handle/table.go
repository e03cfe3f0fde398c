// Package handle implements the registry that maps small integer handles to
// owned resources. Handles are the only reference to a resource that ever
// leaves the device context; the table keeps a dense slot array plus a
// free-list so handles stay stable small integers.
package handle

import (
	"container/heap"
	"sync"

	"github.com/pkg/errors"

	"github.com/accelforge/aicore/internal/status"
)

// Handle identifies one table entry. Zero is never a valid handle.
type Handle uint64

// Table is a bounded, thread-safe handle registry. The zero value is not
// usable; construct with New.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []entry[T]
	free  intHeap // freed slot indices, smallest first
	count int
	max   int
}

type entry[T any] struct {
	value T
	live  bool
}

// New returns a table holding at most max entries.
func New[T any](max int) *Table[T] {
	return &Table[T]{max: max}
}

// Allocate stores value and returns the smallest unused positive handle.
// Fails with status.ErrOutOfMemory once the table holds max entries.
func (t *Table[T]) Allocate(value T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.max {
		return 0, errors.Wrapf(status.ErrOutOfMemory, "handle table full (%d entries)", t.max)
	}

	var idx int
	if t.free.Len() > 0 {
		// Freed slots are always below len(slots), so the heap top is
		// the smallest unused index overall.
		idx = heap.Pop(&t.free).(int)
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, entry[T]{})
	}

	t.slots[idx] = entry[T]{value: value, live: true}
	t.count++
	return Handle(idx + 1), nil
}

// Get returns the resource for h. The bool reports whether h is live. The
// returned value stays valid after the call because Release only detaches a
// resource from the table; destruction is the caller's business.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	idx := int(h) - 1
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].live {
		return zero, false
	}
	return t.slots[idx].value, true
}

// Release detaches and returns the resource for h. The slot becomes
// available for the next Allocate. Releasing an unknown or already released
// handle returns false with no side effects.
func (t *Table[T]) Release(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	idx := int(h) - 1
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].live {
		return zero, false
	}

	value := t.slots[idx].value
	t.slots[idx] = entry[T]{}
	heap.Push(&t.free, idx)
	t.count--
	return value, true
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Drain removes every live entry and passes it to fn. Used at device
// teardown to release resources that callers leaked.
func (t *Table[T]) Drain(fn func(Handle, T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for idx := range t.slots {
		if !t.slots[idx].live {
			continue
		}
		value := t.slots[idx].value
		t.slots[idx] = entry[T]{}
		heap.Push(&t.free, idx)
		t.count--
		fn(Handle(idx+1), value)
	}
}

// intHeap is a min-heap of freed slot indices.
type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
