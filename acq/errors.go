package acq

import (
	"errors"
	"fmt"

	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// Kind classifies an acquisition failure
type Kind int

const (
	// KindConnection means the detector was not found or is unreachable
	KindConnection Kind = iota + 1

	// KindConfiguration is a geometry, channel or type mismatch
	KindConfiguration

	// KindBufferAllocation means the destination buffer could not be allocated
	KindBufferAllocation

	// KindStart means the driver rejected the start of acquisition
	KindStart

	// KindCallbackRegistration means the callbacks could not be installed
	KindCallbackRegistration

	// KindPersistence means the captured data could not be saved.  It is the
	// only non-fatal kind.
	KindPersistence

	// KindTerminalTimeout means the terminal callback never arrived
	KindTerminalTimeout
)

var kindNames = map[Kind]string{
	KindConnection:           "ConnectionError",
	KindConfiguration:        "ConfigurationError",
	KindBufferAllocation:     "BufferAllocationError",
	KindStart:                "StartError",
	KindCallbackRegistration: "CallbackRegistrationError",
	KindPersistence:          "PersistenceError",
	KindTerminalTimeout:      "TerminalTimeoutAnomaly",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failure of one step of an acquisition
type Error struct {
	// Kind is the failure class
	Kind Kind

	// Op is the operation that failed, e.g. Configure or Acquisition_Acquire_Image
	Op string

	// Code is the numeric driver code, zero when the failure did not come from the driver
	Code int

	// Err is the underlying cause
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" && e.Err == nil {
		return "acq: " + e.Kind.String()
	}
	s := fmt.Sprintf("acq: %s: %s (code %d)", e.Op, e.Kind, e.Code)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrStart) holds for every
// start failure
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	code := xisl.Code(err)
	if code < 0 {
		code = 0
	}
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// Kind sentinels
var (
	ErrConnection           = &Error{Kind: KindConnection}
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrBufferAllocation     = &Error{Kind: KindBufferAllocation}
	ErrStart                = &Error{Kind: KindStart}
	ErrCallbackRegistration = &Error{Kind: KindCallbackRegistration}
	ErrPersistence          = &Error{Kind: KindPersistence}
	ErrTerminalTimeout      = &Error{Kind: KindTerminalTimeout}
)

// Session and buffer conditions
var (
	// ErrNotConnected is returned by session calls after Close or with no device
	ErrNotConnected = errors.New("detector session is not connected")

	// ErrInvalidChannel means the device reports a non GbIF channel
	ErrInvalidChannel = errors.New("detector reports an unsupported communication channel")

	// ErrDeviceBusy means an acquisition is already running on the session
	ErrDeviceBusy = errors.New("an acquisition is already running")

	// ErrStaleConfiguration means the configuration was never read or was
	// invalidated by a mode change
	ErrStaleConfiguration = errors.New("configuration must be read before this call")

	// ErrGeometryMismatch means a buffer or mode disagrees with the detector geometry
	ErrGeometryMismatch = errors.New("frame geometry does not match the detector configuration")

	// ErrNoBuffer means Start was called before a destination buffer was defined
	ErrNoBuffer = errors.New("no destination buffer defined")

	// ErrNoCallbacks means Start was called before callbacks were registered
	ErrNoCallbacks = errors.New("callbacks are not registered")

	// ErrCloseWhileAcquiring means Close was refused because the terminal callback is outstanding
	ErrCloseWhileAcquiring = errors.New("refusing to close the session while acquiring")

	// ErrReleaseBeforeTerminal means Release was refused because the driver may still write the buffer
	ErrReleaseBeforeTerminal = errors.New("refusing to release the frame buffer before the terminal signal")

	// ErrFrameCount means a frame count is outside [MinFrames, MaxFrames]
	ErrFrameCount = fmt.Errorf("frame count must be in [%d, %d]", MinFrames, MaxFrames)

	// ErrBufferTooLarge means an allocation exceeds the configured limit
	ErrBufferTooLarge = errors.New("frame buffer exceeds the allocation limit")

	// ErrRunning means Run was called on an orchestrator that is already running
	ErrRunning = errors.New("an acquisition is already in progress")
)

// Frame count bounds of a single acquisition
const (
	MinFrames = 1
	MaxFrames = 600
)

// ValidateFrameCount returns ErrFrameCount if n is out of range
func ValidateFrameCount(n int) error {
	if n < MinFrames || n > MaxFrames {
		return fmt.Errorf("%w, got %d", ErrFrameCount, n)
	}
	return nil
}
