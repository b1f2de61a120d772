// Package progress delivers export progress to at most one observer per job.
//
// A Handle is created per job and passed in at invocation time. Observers
// may attach or detach at any moment from any goroutine; emissions made
// while nothing is attached are dropped. A Reporter gates values to whole
// percent steps, keeps them non-decreasing and emits 1.0 exactly once.
package progress

import (
	"math"
	"sync"
	"sync/atomic"
)

// maxIntermediate caps values reported before Complete.
const maxIntermediate = 0.99

// Observer receives progress values in [0, 1]. OnProgress is called on the
// job's worker goroutine and must not block.
type Observer interface {
	OnProgress(value float64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(value float64)

// OnProgress implements Observer.
func (f ObserverFunc) OnProgress(value float64) {
	f(value)
}

type observerBox struct {
	obs Observer
}

// Handle holds the observer attached to one job.
type Handle struct {
	current atomic.Pointer[observerBox]
}

// NewHandle creates a handle, optionally with an observer already attached.
func NewHandle(obs Observer) *Handle {
	h := &Handle{}
	if obs != nil {
		h.Attach(obs)
	}
	return h
}

// Attach replaces the current observer.
func (h *Handle) Attach(obs Observer) {
	if obs == nil {
		h.Detach()
		return
	}
	h.current.Store(&observerBox{obs: obs})
}

// Detach removes the current observer.
func (h *Handle) Detach() {
	h.current.Store(nil)
}

// Attached reports whether an observer is attached.
func (h *Handle) Attached() bool {
	return h.current.Load() != nil
}

func (h *Handle) emit(value float64) {
	if h == nil {
		return
	}
	if box := h.current.Load(); box != nil {
		box.obs.OnProgress(value)
	}
}

// Sink receives fractional progress of one stage.
type Sink interface {
	Report(fraction float64)
}

// Reporter turns raw job progress into the gated sequence delivered to a
// handle. It is safe for concurrent use.
type Reporter struct {
	handle *Handle
	hooks  []func(float64)

	mu        sync.Mutex
	lastPct   int
	completed bool
}

// NewReporter creates a reporter that emits to handle. Each hook is called
// with every emitted value, after the observer.
func NewReporter(handle *Handle, hooks ...func(float64)) *Reporter {
	return &Reporter{handle: handle, hooks: hooks}
}

// Report records overall progress p. Only values that move to a higher whole
// percent are emitted; values at or above 1.0 are held at 0.99 until
// Complete is called.
func (r *Reporter) Report(p float64) {
	if math.IsNaN(p) {
		return
	}
	if p > maxIntermediate {
		p = maxIntermediate
	}
	pct := int(math.Floor(p*100 + 1e-9))

	r.mu.Lock()
	if r.completed || pct <= r.lastPct {
		r.mu.Unlock()
		return
	}
	r.lastPct = pct
	r.mu.Unlock()

	r.emit(float64(pct) / 100)
}

// Complete emits 1.0. Calls after the first are ignored.
func (r *Reporter) Complete() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.lastPct = 100
	r.mu.Unlock()

	r.emit(1.0)
}

// Value returns the last emitted value.
func (r *Reporter) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.lastPct) / 100
}

// Completed reports whether Complete was called.
func (r *Reporter) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *Reporter) emit(v float64) {
	r.handle.emit(v)
	for _, hook := range r.hooks {
		hook(v)
	}
}

// Span maps stage-local fractions in [0, 1] onto [lo, hi] of the job.
func (r *Reporter) Span(lo, hi float64) *Span {
	return &Span{r: r, lo: lo, hi: hi}
}

// Span is a Sink covering part of a job.
type Span struct {
	r      *Reporter
	lo, hi float64
}

// Report implements Sink.
func (s *Span) Report(fraction float64) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	s.r.Report(s.lo + (s.hi-s.lo)*fraction)
}

// ChannelObserver hands values to another goroutine through a one-slot
// channel. A newer value replaces one that has not been received yet, so
// the worker never blocks and the receiver always sees the latest value.
type ChannelObserver struct {
	ch chan float64
}

// NewChannelObserver creates a coalescing observer.
func NewChannelObserver() *ChannelObserver {
	return &ChannelObserver{ch: make(chan float64, 1)}
}

// OnProgress implements Observer. It assumes a single sending goroutine.
func (c *ChannelObserver) OnProgress(value float64) {
	for {
		select {
		case c.ch <- value:
			return
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

// C returns the receive side.
func (c *ChannelObserver) C() <-chan float64 {
	return c.ch
}
