package acq

import (
	"fmt"
	"math"
	"sync"

	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// SampleSize is the size of one pixel sample in bytes
const SampleSize = 2

// AllocFunc returns a zeroed slice of exactly samples elements
type AllocFunc func(samples int) ([]uint16, error)

// LimitedAlloc returns an AllocFunc that refuses allocations larger than
// maxBytes.  maxBytes <= 0 means no limit.
func LimitedAlloc(maxBytes int64) AllocFunc {
	return func(samples int) ([]uint16, error) {
		if maxBytes > 0 && int64(samples)*SampleSize > maxBytes {
			return nil, fmt.Errorf("%w: %d bytes requested, limit %d", ErrBufferTooLarge, int64(samples)*SampleSize, maxBytes)
		}
		return make([]uint16, samples), nil
	}
}

// FrameBuffer is the destination of an acquisition: frames*rows*cols
// contiguous samples.  While the driver owns it, only the driver writes it.
// It becomes readable and releasable once the guarding event is signaled.
type FrameBuffer struct {
	mu       sync.Mutex
	data     []uint16
	frames   int
	rows     int
	cols     int
	released bool
	guard    *Event
}

// Allocate makes a zeroed buffer for frames frames of rows x cols samples.
// alloc may be nil, in which case the allocation is unlimited.
func Allocate(frames, rows, cols int, alloc AllocFunc) (*FrameBuffer, error) {
	const op = "Allocate"
	if frames <= 0 || rows <= 0 || cols <= 0 {
		return nil, newError(KindBufferAllocation, op, fmt.Errorf("%w: %dx%dx%d", ErrGeometryMismatch, frames, rows, cols))
	}
	n := int64(frames) * int64(rows) * int64(cols)
	if n > math.MaxInt/SampleSize {
		return nil, newError(KindBufferAllocation, op, fmt.Errorf("%w: %d samples", ErrBufferTooLarge, n))
	}
	if alloc == nil {
		alloc = LimitedAlloc(0)
	}
	data, err := alloc(int(n))
	if err != nil {
		return nil, newError(KindBufferAllocation, op, err)
	}
	if int64(len(data)) != n {
		return nil, newError(KindBufferAllocation, op, fmt.Errorf("allocator returned %d samples, want %d", len(data), n))
	}
	return &FrameBuffer{data: data, frames: frames, rows: rows, cols: cols}, nil
}

// Frames is the number of frames the buffer holds
func (b *FrameBuffer) Frames() int { return b.frames }

// Rows is the number of rows per frame
func (b *FrameBuffer) Rows() int { return b.rows }

// Cols is the number of columns per frame
func (b *FrameBuffer) Cols() int { return b.cols }

// FrameLen is the number of samples in one frame
func (b *FrameBuffer) FrameLen() int { return b.rows * b.cols }

// Bytes is the size of the buffer in bytes
func (b *FrameBuffer) Bytes() int64 {
	return int64(b.frames) * int64(b.FrameLen()) * SampleSize
}

// Data returns the backing slice, or nil after release
func (b *FrameBuffer) Data() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Frame returns frame i as a subslice of the buffer, or nil if i is out of
// range or the buffer is released
func (b *FrameBuffer) Frame(i int) []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil || i < 0 || i >= b.frames {
		return nil
	}
	n := b.FrameLen()
	return b.data[i*n : (i+1)*n]
}

// Matches reports whether the buffer geometry agrees with conf
func (b *FrameBuffer) Matches(conf xisl.Configuration) bool {
	return b.rows == conf.Rows && b.cols == conf.Columns
}

// Guard ties release of the buffer to ev: Release without force is refused
// until ev is signaled
func (b *FrameBuffer) Guard(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guard = ev
}

// Release drops the buffer.  It is idempotent.  Unless force is set it
// returns ErrReleaseBeforeTerminal while the guarding event is unsignaled.
func (b *FrameBuffer) Release(force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	if !force && b.guard != nil && !b.guard.Signaled() {
		return ErrReleaseBeforeTerminal
	}
	b.data = nil
	b.released = true
	return nil
}

// Released reports whether Release has taken effect
func (b *FrameBuffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
