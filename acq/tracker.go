package acq

import (
	"sync"
	"sync/atomic"
)

// TrackerState is the state of a Tracker
type TrackerState uint32

const (
	// TrackerIdle is before Start
	TrackerIdle TrackerState = iota

	// TrackerCounting is between Start and the target frame
	TrackerCounting

	// TrackerTargetReached is after the target frame
	TrackerTargetReached
)

func (s TrackerState) String() string {
	switch s {
	case TrackerIdle:
		return "Idle"
	case TrackerCounting:
		return "Counting"
	case TrackerTargetReached:
		return "TargetReached"
	default:
		return "Unknown"
	}
}

// Tracker counts completed frames and requests a stop exactly once when the
// target is reached.  Frame may be called concurrently.  The tracker never
// signals the terminal event; only the driver's terminal callback does.
type Tracker struct {
	state  atomic.Uint32
	count  atomic.Int64
	target atomic.Int64
	stop   func() error

	mu      sync.Mutex
	stopErr error
	stops   int
}

// NewTracker returns an idle tracker which calls stop when the target is reached
func NewTracker(stop func() error) *Tracker {
	return &Tracker{stop: stop}
}

// Start resets the counter and begins counting toward target
func (t *Tracker) Start(target int) error {
	if err := ValidateFrameCount(target); err != nil {
		return err
	}
	t.count.Store(0)
	t.target.Store(int64(target))
	t.mu.Lock()
	t.stopErr = nil
	t.stops = 0
	t.mu.Unlock()
	t.state.Store(uint32(TrackerCounting))
	return nil
}

// Frame records one completed frame and returns the new count and whether
// this call moved the tracker to TargetReached.  Frames before Start are not
// counted.
func (t *Tracker) Frame() (n int, reached bool) {
	if t.State() == TrackerIdle {
		return 0, false
	}
	c := t.count.Add(1)
	if c >= t.target.Load() && t.state.CompareAndSwap(uint32(TrackerCounting), uint32(TrackerTargetReached)) {
		var err error
		if t.stop != nil {
			err = t.stop()
		}
		t.mu.Lock()
		t.stopErr = err
		t.stops++
		t.mu.Unlock()
		return int(c), true
	}
	return int(c), false
}

// State returns the current state
func (t *Tracker) State() TrackerState {
	return TrackerState(t.state.Load())
}

// Count is the number of frames recorded since Start
func (t *Tracker) Count() int {
	return int(t.count.Load())
}

// Target is the frame count passed to Start
func (t *Tracker) Target() int {
	return int(t.target.Load())
}

// Stops is the number of stop requests issued since Start, zero or one
func (t *Tracker) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// StopErr is the error returned by the stop request, if any
func (t *Tracker) StopErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopErr
}
