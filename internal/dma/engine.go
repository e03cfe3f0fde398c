// Package dma moves bytes between addressable regions over a fixed pool of
// transfer channels, with synchronous timeout-bounded and asynchronous
// fence-completing protocols.
package dma

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/fence"
	"github.com/accelforge/aicore/internal/metrics"
	"github.com/accelforge/aicore/internal/status"
)

// Transfers are copied in chunks so an in-flight operation can observe a
// termination request between chunks.
const defaultChunkSize = 64 * 1024

// Request describes one copy between two addressable regions. Direction is
// only a metric label; the engine treats both regions the same way.
type Request struct {
	Dst       []byte
	Src       []byte
	Size      int
	Direction string
}

// Engine is the channel pool. The pool-wide lock covers only channel
// acquisition and release, never a blocking wait.
type Engine struct {
	log     *zap.Logger
	tracker *fence.Tracker
	chunk   int
	stall   func() // test hook, runs before every chunk when set

	mu       sync.Mutex // guards channel busy state only
	channels []*channel
}

type channel struct {
	id     int
	busy   bool
	cancel chan struct{}
}

// NewEngine builds a pool of n transfer channels completing against tracker.
func NewEngine(n int, tracker *fence.Tracker, log *zap.Logger) *Engine {
	e := &Engine{
		log:     log.Named("dma"),
		tracker: tracker,
		chunk:   defaultChunkSize,
	}
	for i := 0; i < n; i++ {
		e.channels = append(e.channels, &channel{id: i})
	}
	return e
}

// Channels reports the pool size.
func (e *Engine) Channels() int { return len(e.channels) }

// acquire scans for a free channel. Fails fast with Busy when the pool is
// exhausted; the synchronous path never queues.
func (e *Engine) acquire() (*channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.channels {
		if !c.busy {
			c.busy = true
			c.cancel = make(chan struct{})
			metrics.ChannelsBusy.Inc()
			return c, nil
		}
	}
	return nil, errors.Wrapf(status.ErrBusy, "all %d transfer channels in use", len(e.channels))
}

func (e *Engine) release(c *channel) {
	e.mu.Lock()
	c.busy = false
	c.cancel = nil
	e.mu.Unlock()
	metrics.ChannelsBusy.Dec()
}

type outcome struct {
	copied     int
	terminated bool
	start      time.Time
	end        time.Time
}

// run performs the chunked copy on c and reports exactly once on done.
func (e *Engine) run(c *channel, req Request, done chan<- outcome) {
	out := outcome{start: time.Now()}
	cancel := c.cancel
	for out.copied < req.Size {
		select {
		case <-cancel:
			out.terminated = true
			out.end = time.Now()
			done <- out
			return
		default:
		}
		if e.stall != nil {
			e.stall()
		}
		n := req.Size - out.copied
		if n > e.chunk {
			n = e.chunk
		}
		copy(req.Dst[out.copied:out.copied+n], req.Src[out.copied:out.copied+n])
		out.copied += n
	}
	out.end = time.Now()
	done <- out
}

func (e *Engine) validate(req Request) error {
	if req.Size <= 0 {
		return errors.Wrap(status.ErrInvalidArgument, "transfer size must be positive")
	}
	if len(req.Dst) < req.Size || len(req.Src) < req.Size {
		return errors.Wrapf(status.ErrInvalidArgument,
			"transfer of %d bytes exceeds region bounds (dst %d, src %d)", req.Size, len(req.Dst), len(req.Src))
	}
	return nil
}

// TransferSync acquires a channel, submits the copy and blocks until it
// completes or timeout elapses. On timeout the in-flight copy is terminated
// and acknowledged before TimedOut returns; the channel is released on every
// path.
func (e *Engine) TransferSync(req Request, timeout time.Duration) error {
	if err := e.validate(req); err != nil {
		return err
	}
	c, err := e.acquire()
	if err != nil {
		return err
	}

	done := make(chan outcome, 1)
	go e.run(c, req, done)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		e.release(c)
		e.observe(req, out)
		return nil
	case <-timer.C:
		close(c.cancel)
		out := <-done // wait for the terminated transfer to acknowledge
		e.release(c)
		e.log.Warn("transfer terminated on timeout",
			zap.Int("channel", c.id),
			zap.Int("copied", out.copied),
			zap.Int("size", req.Size),
			zap.Duration("timeout", timeout))
		return errors.Wrapf(status.ErrTimedOut, "transfer of %d bytes exceeded %v", req.Size, timeout)
	}
}

// TransferAsync submits the copy and returns its fence immediately. The
// fence resolves exactly once, after the channel has been released.
func (e *Engine) TransferAsync(req Request) (uint64, error) {
	if err := e.validate(req); err != nil {
		return 0, err
	}
	c, err := e.acquire()
	if err != nil {
		return 0, err
	}

	f := e.tracker.Issue()
	done := make(chan outcome, 1)
	go e.run(c, req, done)
	go func() {
		out := <-done
		e.release(c)
		st := fence.StatusSuccess
		if out.terminated {
			st = fence.StatusError
		}
		e.tracker.Complete(f, st, fence.Profile{
			Start:        out.start,
			End:          out.end,
			BytesRead:    uint64(out.copied),
			BytesWritten: uint64(out.copied),
			HWCycles:     uint64(out.end.Sub(out.start).Nanoseconds()),
			EngineID:     uint32(c.id),
		})
		e.observe(req, out)
	}()
	return f, nil
}

func (e *Engine) observe(req Request, out outcome) {
	dir := req.Direction
	if dir == "" {
		dir = "device_to_device"
	}
	metrics.BytesTransferred.WithLabelValues(dir).Add(float64(out.copied))
	metrics.TransferDuration.Observe(float64(out.end.Sub(out.start).Microseconds()) / 1000.0)
}
