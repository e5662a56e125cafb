package acq

import (
	"sync"
	"sync/atomic"
	"time"
)

// WaitResult is the outcome of Event.Wait
type WaitResult int

const (
	// TimedOut means the wait expired before the signal
	TimedOut WaitResult = iota

	// Signaled means the terminal signal was observed
	Signaled
)

func (w WaitResult) String() string {
	if w == Signaled {
		return "Signaled"
	}
	return "TimedOut"
}

// Event is the one-shot terminal signal of an acquisition attempt.  The
// terminal callback is its only writer.  A new Event is armed for each
// attempt.
type Event struct {
	once     sync.Once
	done     chan struct{}
	cause    error
	signaled atomic.Bool
	disarmed atomic.Bool
}

// NewEvent returns an armed, unsignaled event
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Signal marks the acquisition as fully stopped.  cause is nil for a normal
// stop and the driver fault otherwise.  Only the first call takes effect; it
// returns true.  Signals after Disarm are dropped.
func (e *Event) Signal(cause error) bool {
	if e.disarmed.Load() {
		return false
	}
	fired := false
	e.once.Do(func() {
		e.cause = cause
		e.signaled.Store(true)
		close(e.done)
		fired = true
	})
	return fired
}

// Wait blocks for at most timeout for the signal
func (e *Event) Wait(timeout time.Duration) WaitResult {
	if e.signaled.Load() {
		return Signaled
	}
	if timeout <= 0 {
		return TimedOut
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.done:
		return Signaled
	case <-t.C:
		return TimedOut
	}
}

// Done is closed when the event is signaled
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Signaled reports whether the event has been signaled
func (e *Event) Signaled() bool {
	return e.signaled.Load()
}

// Cause is the cause passed to the effective Signal.  It is only meaningful
// once Signaled is true.
func (e *Event) Cause() error {
	if !e.signaled.Load() {
		return nil
	}
	return e.cause
}

// Disarm retires the event.  A terminal callback that arrives later, as after
// a forced teardown, is ignored.
func (e *Event) Disarm() {
	e.disarmed.Store(true)
}

// Disarmed reports whether Disarm was called
func (e *Event) Disarmed() bool {
	return e.disarmed.Load()
}
