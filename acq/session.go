package acq

import (
	"fmt"
	"sync"

	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// DetectorSession is a connected detector with the ordering rules of an
// acquisition enforced on top of the driver: the configuration is read
// before a buffer is defined, buffer and callbacks precede Start, and the
// session cannot be reconfigured or closed while acquiring.
type DetectorSession struct {
	mu  sync.Mutex
	dev xisl.Device
	log logger.Logger

	conf        xisl.Configuration
	configured  bool
	stale       bool
	channelType xisl.ChannelType
	channelNr   int

	buf       *FrameBuffer
	callbacks bool
	acquiring bool
	aborted   bool
	closed    bool
	aborts    int
}

// NewSession wraps a connected device
func NewSession(dev xisl.Device, log logger.Logger) *DetectorSession {
	if log == nil {
		log = logger.Nop()
	}
	return &DetectorSession{dev: dev, log: log}
}

func (s *DetectorSession) usable() error {
	if s.dev == nil || s.closed {
		return ErrNotConnected
	}
	if s.acquiring {
		return ErrDeviceBusy
	}
	return nil
}

// Configure reads the communication channel and the current configuration.
// It must be called before DefineBuffer and again after a rejected mode change.
func (s *DetectorSession) Configure() (xisl.Configuration, error) {
	const op = "Configure"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return xisl.Configuration{}, newError(KindConfiguration, op, err)
	}
	ch, nr, err := s.dev.CommChannel()
	if err != nil {
		return xisl.Configuration{}, newError(KindConfiguration, op, err)
	}
	if ch != xisl.ChannelGbIF {
		return xisl.Configuration{}, newError(KindConfiguration, op, fmt.Errorf("%w: %s", ErrInvalidChannel, ch))
	}
	conf, err := s.dev.Configuration()
	if err != nil {
		return xisl.Configuration{}, newError(KindConfiguration, op, err)
	}
	s.conf = conf
	s.channelType, s.channelNr = ch, nr
	s.configured = true
	s.stale = false
	s.log.Debug("configuration read", "channel", ch.String(), "channelNr", nr,
		"rows", conf.Rows, "columns", conf.Columns, "frames", conf.Frames, "dataType", conf.DataType)
	return conf, nil
}

// Configuration returns the last configuration read and whether it is current
func (s *DetectorSession) Configuration() (xisl.Configuration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf, s.configured && !s.stale
}

// Channel returns the channel type and number recorded by Configure
func (s *DetectorSession) Channel() (xisl.ChannelType, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelType, s.channelNr
}

// SetAcquisitionMode passes m through to the driver, then re-reads the
// configuration.  If a buffer is already defined and the geometry moved, the
// configuration is marked stale and ErrGeometryMismatch is returned.
func (s *DetectorSession) SetAcquisitionMode(m xisl.Mode) error {
	const op = "SetAcquisitionMode"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return newError(KindConfiguration, op, err)
	}
	if !s.configured {
		return newError(KindConfiguration, op, ErrStaleConfiguration)
	}
	if err := s.dev.SetAcquisitionMode(m); err != nil {
		return newError(KindConfiguration, op, err)
	}
	conf, err := s.dev.Configuration()
	if err != nil {
		s.stale = true
		return newError(KindConfiguration, op, err)
	}
	if s.buf != nil && (conf.Rows != s.conf.Rows || conf.Columns != s.conf.Columns) {
		s.stale = true
		return newError(KindConfiguration, op, fmt.Errorf("%w: mode changed %dx%d to %dx%d",
			ErrGeometryMismatch, s.conf.Rows, s.conf.Columns, conf.Rows, conf.Columns))
	}
	s.conf = conf
	s.log.Debug("acquisition mode set", "syncMode", m.SyncMode, "timing", m.Timing, "gain", m.Gain)
	return nil
}

// DefineBuffer hands b to the driver as the destination buffer.  The buffer
// geometry must match the current configuration.
func (s *DetectorSession) DefineBuffer(b *FrameBuffer) error {
	const op = "DefineBuffer"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return newError(KindConfiguration, op, err)
	}
	if !s.configured || s.stale {
		return newError(KindConfiguration, op, ErrStaleConfiguration)
	}
	if b == nil || b.Released() {
		return newError(KindConfiguration, op, ErrNoBuffer)
	}
	if !b.Matches(s.conf) {
		return newError(KindConfiguration, op, fmt.Errorf("%w: buffer %dx%d, detector %dx%d",
			ErrGeometryMismatch, b.Rows(), b.Cols(), s.conf.Rows, s.conf.Columns))
	}
	if err := s.dev.DefineDestBuffers(b.Data(), b.Frames(), b.Rows(), b.Cols()); err != nil {
		return newError(KindConfiguration, op, err)
	}
	s.buf = b
	return nil
}

// RegisterCallbacks installs the frame and terminal callbacks.  The terminal
// callback is wrapped so the session leaves the acquiring state before
// onTerminal runs.
func (s *DetectorSession) RegisterCallbacks(onFrame xisl.FrameFunc, onTerminal xisl.TerminalFunc) error {
	const op = "RegisterCallbacks"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return newError(KindCallbackRegistration, op, err)
	}
	if onFrame == nil || onTerminal == nil {
		return newError(KindCallbackRegistration, op, ErrNoCallbacks)
	}
	wrapped := func(cause error) {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
		onTerminal(cause)
	}
	if err := s.dev.RegisterCallbacks(onFrame, wrapped); err != nil {
		return newError(KindCallbackRegistration, op, err)
	}
	s.callbacks = true
	return nil
}

// Start begins an acquisition of frames frames.  Rejecting a count outside
// [MinFrames, MaxFrames] is left to the caller; frames beyond the buffer
// are refused here.
func (s *DetectorSession) Start(frames, skip int, opt uint32) error {
	const op = "Start"
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return newError(KindStart, op, err)
	}
	var err error
	switch {
	case !s.configured || s.stale:
		err = ErrStaleConfiguration
	case s.buf == nil:
		err = ErrNoBuffer
	case !s.callbacks:
		err = ErrNoCallbacks
	case frames <= 0 || frames > s.buf.Frames():
		err = fmt.Errorf("%w: %d frames for a %d frame buffer", ErrFrameCount, frames, s.buf.Frames())
	}
	if err != nil {
		s.mu.Unlock()
		return newError(KindStart, op, err)
	}
	s.acquiring = true
	s.aborted = false
	dev := s.dev
	s.mu.Unlock()

	// callbacks may fire before Acquire returns; the lock is not held here
	if err := dev.Acquire(frames, skip, opt); err != nil {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
		return newError(KindStart, op, err)
	}
	return nil
}

// Abort requests the driver to stop.  Only the first call of an acquisition
// reaches the driver; later calls and calls while idle do nothing.  Abort
// never signals completion, the terminal callback does.
func (s *DetectorSession) Abort() error {
	s.mu.Lock()
	if !s.acquiring || s.aborted || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.aborted = true
	s.aborts++
	dev := s.dev
	s.mu.Unlock()
	return dev.Abort()
}

// Aborts is the number of abort requests forwarded to the driver
func (s *DetectorSession) Aborts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

// Acquiring reports whether the terminal callback is outstanding
func (s *DetectorSession) Acquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

// HwHeaderInfo reads the hardware header from the driver
func (s *DetectorSession) HwHeaderInfo() (xisl.HwHeaderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || s.closed {
		return xisl.HwHeaderInfo{}, ErrNotConnected
	}
	return s.dev.HwHeaderInfo()
}

// Progress returns the driver's current frame index
func (s *DetectorSession) Progress() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || s.closed {
		return 0, ErrNotConnected
	}
	act, _, err := s.dev.ActFrame()
	return act, err
}

// Close releases the device.  It is idempotent and refuses with
// ErrCloseWhileAcquiring until the terminal callback has run.
func (s *DetectorSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dev == nil {
		return nil
	}
	if s.acquiring {
		return ErrCloseWhileAcquiring
	}
	return s.close()
}

// ForceClose closes the device even if the terminal callback never came.
// It exists for the terminal timeout path only.
func (s *DetectorSession) ForceClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dev == nil {
		return nil
	}
	if s.acquiring {
		s.log.Warn("force closing a session with an outstanding terminal callback")
	}
	s.acquiring = false
	return s.close()
}

func (s *DetectorSession) close() error {
	s.closed = true
	s.buf = nil
	s.callbacks = false
	s.configured = false
	return s.dev.Close()
}

// Closed reports whether the session has been closed
func (s *DetectorSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
