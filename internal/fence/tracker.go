// Package fence issues completion fences for submitted jobs and lets
// callers wait on them with a deadline.
package fence

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/accelforge/aicore/internal/status"
)

// Status is the recorded outcome of one submitted job.
type Status int32

const (
	StatusSuccess Status = 0
	StatusPending Status = 1
	StatusTimeout Status = -1
	StatusError   Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "invalid"
	}
}

// Profile carries the timing and byte counters recorded for one job.
type Profile struct {
	Fence        uint64
	Submit       time.Time
	Start        time.Time
	End          time.Time
	HWCycles     uint64
	BytesRead    uint64
	BytesWritten uint64
	EngineID     uint32
}

// Tracker hands out strictly increasing fences and retains the
// fence→status/profile association until it is consumed. One tracker exists
// per device context; fence values are never reused within its lifetime.
type Tracker struct {
	mu   sync.Mutex
	last uint64
	jobs map[uint64]*record
}

type record struct {
	done      chan struct{}
	status    Status
	profile   Profile
	completed bool
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[uint64]*record)}
}

// Issue reserves the next fence and registers a pending record for it.
// The first fence ever issued is 1.
func (t *Tracker) Issue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last++
	f := t.last
	t.jobs[f] = &record{
		done:    make(chan struct{}),
		status:  StatusPending,
		profile: Profile{Fence: f, Submit: time.Now()},
	}
	return f
}

// Complete resolves a fence exactly once. Later calls for the same fence
// are ignored. Reports whether this call performed the resolution.
func (t *Tracker) Complete(f uint64, s Status, p Profile) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.jobs[f]
	if !ok || r.completed {
		return false
	}
	p.Fence = f
	if p.Submit.IsZero() {
		p.Submit = r.profile.Submit
	}
	r.status = s
	r.profile = p
	r.completed = true
	close(r.done)
	return true
}

// Wait blocks until fence f resolves or timeout elapses. A fence that was
// never issued, or whose record was already consumed, fails with
// InvalidArgument. On expiry the job status is still Pending and the call
// fails with TimedOut so callers can retry with a longer deadline.
func (t *Tracker) Wait(f uint64, timeout time.Duration) (Status, error) {
	t.mu.Lock()
	if f == 0 || f > t.last {
		t.mu.Unlock()
		return StatusError, errors.Wrapf(status.ErrInvalidArgument, "fence %d was never issued", f)
	}
	r, ok := t.jobs[f]
	t.mu.Unlock()
	if !ok {
		return StatusError, errors.Wrapf(status.ErrInvalidArgument, "fence %d already consumed", f)
	}

	select {
	case <-r.done:
		return r.status, nil
	default:
	}
	if timeout <= 0 {
		return StatusPending, errors.Wrapf(status.ErrTimedOut, "fence %d still pending", f)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.status, nil
	case <-timer.C:
		return StatusPending, errors.Wrapf(status.ErrTimedOut, "fence %d did not resolve within %v", f, timeout)
	}
}

// Profile returns and consumes the profiling record for a resolved fence.
// A pending fence fails with Busy; an unknown or consumed one with
// InvalidArgument.
func (t *Tracker) Profile(f uint64) (Profile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f == 0 || f > t.last {
		return Profile{}, errors.Wrapf(status.ErrInvalidArgument, "fence %d was never issued", f)
	}
	r, ok := t.jobs[f]
	if !ok {
		return Profile{}, errors.Wrapf(status.ErrInvalidArgument, "fence %d already consumed", f)
	}
	if !r.completed {
		return Profile{}, errors.Wrapf(status.ErrBusy, "fence %d still in flight", f)
	}
	delete(t.jobs, f)
	return r.profile, nil
}

// Last reports the most recently issued fence, 0 if none.
func (t *Tracker) Last() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Pending reports how many issued fences have not resolved yet.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.jobs {
		if !r.completed {
			n++
		}
	}
	return n
}
