package acq

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// journal records driver and saver events in order
type journal struct {
	mu      sync.Mutex
	events  []string
	frames  int
	abortAt []int
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) index(ev string) int {
	for i, e := range j.snapshot() {
		if e == ev {
			return i
		}
	}
	return -1
}

// recordingLib wraps a simulated library so tests can see the order of
// driver calls and callbacks
type recordingLib struct {
	*xisl.Sim
	j   *journal
	dev *xisl.SimDevice
}

func (l *recordingLib) Connect(sel xisl.Selector) (xisl.Device, error) {
	d, err := l.Sim.Connect(sel)
	if err != nil {
		return nil, err
	}
	l.dev = d.(*xisl.SimDevice)
	return &recordingDevice{Device: d, j: l.j}, nil
}

type recordingDevice struct {
	xisl.Device
	j *journal
}

func (d *recordingDevice) RegisterCallbacks(onFrame xisl.FrameFunc, onTerminal xisl.TerminalFunc) error {
	return d.Device.RegisterCallbacks(
		func() {
			d.j.mu.Lock()
			d.j.frames++
			d.j.mu.Unlock()
			onFrame()
		},
		func(cause error) {
			d.j.add("terminal")
			onTerminal(cause)
		})
}

func (d *recordingDevice) Acquire(frames, skip int, opt uint32) error {
	d.j.add("acquire")
	return d.Device.Acquire(frames, skip, opt)
}

func (d *recordingDevice) Abort() error {
	d.j.mu.Lock()
	d.j.events = append(d.j.events, "abort")
	d.j.abortAt = append(d.j.abortAt, d.j.frames)
	d.j.mu.Unlock()
	return d.Device.Abort()
}

func (d *recordingDevice) Close() error {
	d.j.add("close")
	return d.Device.Close()
}

// memSaver keeps what it was asked to save
type memSaver struct {
	j      *journal
	err    error
	path   string
	n      int
	frames int
	rows   int
	cols   int
	tag    int
	header xisl.HwHeaderInfo
}

func (s *memSaver) Save(path string, data []uint16, rows, cols, frames int, header xisl.HwHeaderInfo, typeTag int) (SaveInfo, error) {
	s.j.add("save")
	s.path, s.n, s.rows, s.cols, s.frames, s.header, s.tag = path, len(data), rows, cols, frames, header, typeTag
	if s.err != nil {
		return SaveInfo{}, s.err
	}
	return SaveInfo{Path: path, Bytes: int64(len(data)) * SampleSize, Checksum: 0xdeadbeef}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WaitInterval = 10 * time.Millisecond
	cfg.TerminalTimeout = 5 * time.Second
	cfg.ConnectTimeout = 500 * time.Millisecond
	return cfg
}

func newRig(sc xisl.SimConfig) (*recordingLib, *memSaver) {
	j := &journal{}
	return &recordingLib{Sim: xisl.NewSim(sc), j: j}, &memSaver{j: j}
}

var normalTeardown = []string{"release buffer", "close session", "disarm event"}

func TestScenarioATargetReached(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 8, Columns: 6})
	o := NewOrchestrator(lib, testConfig(), saver)

	var (
		mu    sync.Mutex
		lines []Progress
	)
	res, err := o.Run(context.Background(), Request{
		Frames: 10,
		Path:   "a.his",
		Mode:   xisl.Mode{SyncMode: xisl.SyncFreeRunning, Timing: 6, Gain: 1, AcqData: 10},
		Progress: func(p Progress) {
			mu.Lock()
			lines = append(lines, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, CauseTargetReached, res.Cause)
	assert.Equal(t, 10, res.Frames)
	assert.Equal(t, 1, res.Aborts)
	assert.Equal(t, normalTeardown, res.Teardown)
	assert.Len(t, res.Preview, 8*6)
	assert.Equal(t, uint32(0xdeadbeef), res.Saved.Checksum)

	assert.Equal(t, 10*8*6, saver.n)
	assert.Equal(t, 10, saver.frames)
	assert.Equal(t, TypePKIShort, saver.tag)
	assert.EqualValues(t, 8, saver.header.NrRows)

	require.Len(t, lines, 10)
	assert.Equal(t, Progress{ID: res.ID, Frame: 10, Target: 10}, lines[9])

	ev := lib.j
	assert.Less(t, ev.index("terminal"), ev.index("save"))
	assert.Less(t, ev.index("save"), ev.index("close"))
	assert.False(t, o.Busy())
	assert.Nil(t, o.Current())
}

func TestAbortOnceForSampledTargets(t *testing.T) {
	for _, target := range []int{1, 2, 7, 64, 599, 600} {
		lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2})
		o := NewOrchestrator(lib, testConfig(), saver)
		res, err := o.Run(context.Background(), Request{Frames: target})
		require.NoError(t, err, "target %d", target)
		assert.Equal(t, target, res.Frames)
		assert.Equal(t, CauseTargetReached, res.Cause)
		_, aborts, _ := lib.dev.Stats()
		assert.Equal(t, 1, aborts, "target %d", target)
	}
}

func TestScenarioBManualAbort(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 4, Columns: 4, FrameTime: 20 * time.Millisecond})
	o := NewOrchestrator(lib, testConfig(), saver)

	stop := make(chan struct{})
	var once sync.Once
	res, err := o.Run(context.Background(), Request{
		Frames: 50,
		Path:   "b.his",
		Stop:   stop,
		Progress: func(p Progress) {
			if p.Frame == 5 {
				once.Do(func() { close(stop) })
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, CauseManualAbort, res.Cause)
	assert.GreaterOrEqual(t, res.Frames, 5)
	assert.Less(t, res.Frames, 50)
	assert.Equal(t, 1, res.Aborts)

	lib.j.mu.Lock()
	abortAt := append([]int(nil), lib.j.abortAt...)
	lib.j.mu.Unlock()
	require.Len(t, abortAt, 1)
	assert.InDelta(t, 5, abortAt[0], 1)

	assert.Equal(t, 50*4*4, saver.n, "persisted buffer is sized for the target")
	assert.Equal(t, 50, saver.frames)
	assert.Equal(t, normalTeardown, res.Teardown, "same teardown as automatic completion")
	assert.Less(t, lib.j.index("terminal"), lib.j.index("close"))
}

func TestScenarioCAllocationFailure(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 4, Columns: 4})
	oom := errors.New("simulated out of memory")
	o := NewOrchestrator(lib, testConfig(), saver,
		WithAllocator(func(int) ([]uint16, error) { return nil, oom }))

	res, err := o.Run(context.Background(), Request{Frames: 10, Path: "c.his"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferAllocation)
	assert.ErrorIs(t, err, oom)
	assert.True(t, IsFatal(err))
	assert.Equal(t, CauseNone, res.Cause)
	assert.Equal(t, []string{"close session", "disarm event"}, res.Teardown)
	assert.Equal(t, -1, lib.j.index("acquire"), "acquisition never started")
	assert.Equal(t, -1, lib.j.index("save"))
	assert.NotEqual(t, -1, lib.j.index("close"))
}

func TestScenarioDTerminalTimeout(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 4, Columns: 4, SuppressTerminal: true})
	cfg := testConfig()
	cfg.TerminalTimeout = 150 * time.Millisecond
	o := NewOrchestrator(lib, cfg, saver)

	res, err := o.Run(context.Background(), Request{Frames: 5, Path: "d.his"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminalTimeout)
	assert.Equal(t, CauseTimeout, res.Cause)
	assert.Equal(t, []string{"force release buffer", "force close session", "disarm event"}, res.Teardown)
	assert.Equal(t, -1, lib.j.index("save"), "nothing is persisted without the terminal signal")
	assert.Equal(t, -1, lib.j.index("terminal"))
}

func TestConnectLogsDeviceParameters(t *testing.T) {
	var buf bytes.Buffer
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2})
	o := NewOrchestrator(lib, testConfig(), saver, WithLogger(logger.NewSlog(&buf, logger.InfoLevel, false, false)))
	_, err := o.Run(context.Background(), Request{Frames: 1, Path: "p.his"})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "detector parameters")
	assert.Contains(t, out, "00:11:1c:00:00:01")
	assert.Contains(t, out, "192.168.10.10")
}

func TestTerminalTimeoutAlwaysBounded(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		cfg := testConfig()
		cfg.TerminalTimeout = d
		cfg.WaitInterval = 0
		o := NewOrchestrator(xisl.NewSim(xisl.SimConfig{}), cfg, nil)
		assert.Equal(t, DefaultConfig().TerminalTimeout, o.cfg.TerminalTimeout, "%v", d)
		assert.Equal(t, DefaultConfig().WaitInterval, o.cfg.WaitInterval)
	}
}

func TestDelayedTerminalHoldsTeardown(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2, TerminalDelay: 150 * time.Millisecond})
	o := NewOrchestrator(lib, testConfig(), saver)

	var lastFrame time.Time
	res, err := o.Run(context.Background(), Request{Frames: 3, Path: "e.his", Progress: func(p Progress) {
		if p.Frame == 3 {
			lastFrame = time.Now()
		}
	}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(lastFrame), 150*time.Millisecond)
	assert.Equal(t, normalTeardown, res.Teardown)
	ev := lib.j.snapshot()
	assert.Equal(t, []string{"acquire", "abort", "terminal", "save", "close"}, ev)
}

func TestDriverFaultStillPersists(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2, FaultAfter: 3, FaultCode: xisl.HISErrorPacketLoss})
	o := NewOrchestrator(lib, testConfig(), saver)
	res, err := o.Run(context.Background(), Request{Frames: 10, Path: "f.his"})
	require.NoError(t, err)
	assert.Equal(t, CauseDriverFault, res.Cause)
	assert.Equal(t, int(xisl.HISErrorPacketLoss), xisl.Code(res.Fault))
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 10*4, saver.n)
	assert.Equal(t, normalTeardown, res.Teardown)
}

func TestPersistenceFailureIsNonFatal(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2})
	saver.err = errors.New("disk full")
	o := NewOrchestrator(lib, testConfig(), saver)
	res, err := o.Run(context.Background(), Request{Frames: 4, Path: "g.his"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, res.SaveErr, ErrPersistence)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, CauseTargetReached, res.Cause)
	assert.Equal(t, normalTeardown, res.Teardown)
}

func TestConnectRetries(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2, ConnectFailures: 2})
	o := NewOrchestrator(lib, testConfig(), saver)
	_, err := o.Run(context.Background(), Request{Frames: 1})
	assert.NoError(t, err)
}

func TestConnectionError(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2,
		Fail: map[string]xisl.HISError{"Acquisition_GbIF_Init": xisl.HISErrorNoBoardSubnet}})
	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	o := NewOrchestrator(lib, cfg, saver)
	res, err := o.Run(context.Background(), Request{Frames: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int(xisl.HISErrorNoBoardSubnet), ae.Code)
	assert.Equal(t, "Connect", ae.Op)
	assert.Equal(t, []string{"disarm event"}, res.Teardown)
}

func TestExpectedGeometryMismatch(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 8, Columns: 8})
	cfg := testConfig()
	cfg.Expect = Geometry{Rows: 16}
	o := NewOrchestrator(lib, cfg, saver)
	_, err := o.Run(context.Background(), Request{Frames: 1})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.Equal(t, -1, lib.j.index("acquire"))
}

func TestModeReshapeRejectedBeforeStart(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 8, Columns: 8, ModeRows: 4})
	o := NewOrchestrator(lib, testConfig(), saver)
	_, err := o.Run(context.Background(), Request{Frames: 2})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.Equal(t, -1, lib.j.index("acquire"))
}

func TestStartRejectedByDriver(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2,
		Fail: map[string]xisl.HISError{"Acquisition_Acquire_Image": xisl.HISErrorAcqRunning}})
	o := NewOrchestrator(lib, testConfig(), saver)
	res, err := o.Run(context.Background(), Request{Frames: 2})
	assert.ErrorIs(t, err, ErrStart)
	assert.Equal(t, normalTeardown, res.Teardown, "an unstarted buffer is released normally")
}

func TestCallbackRegistrationError(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2,
		Fail: map[string]xisl.HISError{"Acquisition_SetCallbacksAndMessages": xisl.HISErrorInvalidCall}})
	o := NewOrchestrator(lib, testConfig(), saver)
	_, err := o.Run(context.Background(), Request{Frames: 2})
	assert.ErrorIs(t, err, ErrCallbackRegistration)
	assert.Equal(t, -1, lib.j.index("acquire"))
}

func TestInvalidFrameCount(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2})
	o := NewOrchestrator(lib, testConfig(), saver)
	for _, n := range []int{0, -3, 601} {
		_, err := o.Run(context.Background(), Request{Frames: n})
		assert.ErrorIs(t, err, ErrFrameCount)
		assert.ErrorIs(t, err, ErrStart)
	}
	assert.Nil(t, lib.dev, "no connection for an invalid request")
}

func TestContextCancelAborts(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2, FrameTime: 20 * time.Millisecond})
	o := NewOrchestrator(lib, testConfig(), saver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := o.Run(ctx, Request{Frames: 100, Progress: func(p Progress) {
		if p.Frame == 2 {
			cancel()
		}
	}})
	require.NoError(t, err)
	assert.Equal(t, CauseCanceled, res.Cause)
	assert.Equal(t, 1, res.Aborts)
}

func TestRunIsExclusive(t *testing.T) {
	lib, saver := newRig(xisl.SimConfig{Rows: 2, Columns: 2, FrameTime: 20 * time.Millisecond})
	o := NewOrchestrator(lib, testConfig(), saver)
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Request{Frames: 10, Progress: func(Progress) {
			once.Do(func() { close(started) })
		}})
		done <- err
	}()
	<-started
	require.NotNil(t, o.Current())
	assert.GreaterOrEqual(t, o.Current().Frame(), 1)
	_, err := o.Run(context.Background(), Request{Frames: 1})
	assert.ErrorIs(t, err, ErrRunning)
	assert.NoError(t, <-done)
}

func TestErrorMessageNamesOpAndCode(t *testing.T) {
	err := newError(KindStart, "Start", xisl.Error(int(xisl.HISErrorAcqRunning)))
	assert.Equal(t, "acq: Start: StartError (code 5): 5 - HIS_ERROR_ACQ_ALREADY_RUNNING", err.Error())
	assert.Equal(t, "acq: TerminalTimeoutAnomaly", ErrTerminalTimeout.Error())
	assert.False(t, errors.Is(err, ErrPersistence))
}
