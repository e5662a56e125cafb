package acq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

func TestAllocateSizeMatchesGeometry(t *testing.T) {
	b, err := Allocate(3, 4, 5, nil)
	require.NoError(t, err)
	assert.Len(t, b.Data(), 3*4*5)
	assert.Equal(t, int64(3*4*5*SampleSize), b.Bytes())
	for _, v := range b.Data() {
		require.Zero(t, v)
	}
	assert.Len(t, b.Frame(2), 20)
	assert.Nil(t, b.Frame(3))
	assert.True(t, b.Matches(xisl.Configuration{Rows: 4, Columns: 5}))
	assert.False(t, b.Matches(xisl.Configuration{Rows: 5, Columns: 4}))
}

func TestAllocateRejectsBadGeometry(t *testing.T) {
	for _, dims := range [][3]int{{0, 4, 4}, {1, 0, 4}, {1, 4, -1}} {
		_, err := Allocate(dims[0], dims[1], dims[2], nil)
		assert.ErrorIs(t, err, ErrBufferAllocation, dims)
	}
}

func TestAllocateLimit(t *testing.T) {
	_, err := Allocate(10, 100, 100, LimitedAlloc(1000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferAllocation)
	assert.ErrorIs(t, err, ErrBufferTooLarge)
}

func TestAllocatorFailure(t *testing.T) {
	oom := errors.New("out of memory")
	_, err := Allocate(1, 2, 2, func(int) ([]uint16, error) { return nil, oom })
	assert.ErrorIs(t, err, oom)

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Allocate", ae.Op)
	assert.Equal(t, KindBufferAllocation, ae.Kind)
}

func TestAllocatorShortSlice(t *testing.T) {
	_, err := Allocate(2, 2, 2, func(n int) ([]uint16, error) { return make([]uint16, n-1), nil })
	assert.ErrorIs(t, err, ErrBufferAllocation)
}

func TestReleaseGuardedByEvent(t *testing.T) {
	b, err := Allocate(1, 2, 2, nil)
	require.NoError(t, err)
	ev := NewEvent()
	b.Guard(ev)

	assert.ErrorIs(t, b.Release(false), ErrReleaseBeforeTerminal)
	assert.False(t, b.Released())
	assert.NotNil(t, b.Data())

	ev.Signal(nil)
	require.NoError(t, b.Release(false))
	assert.True(t, b.Released())
	assert.Nil(t, b.Data())
	assert.Nil(t, b.Frame(0))
	assert.NoError(t, b.Release(false), "release is idempotent")
}

func TestForcedRelease(t *testing.T) {
	b, err := Allocate(1, 2, 2, nil)
	require.NoError(t, err)
	b.Guard(NewEvent())
	require.NoError(t, b.Release(true))
	assert.True(t, b.Released())
}
