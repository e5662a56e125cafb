package acq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/util"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// TypePKIShort is the numeric type tag of unsigned 16-bit samples in a
// saved sequence
const TypePKIShort = 4

// Geometry is an expected detector geometry; zero fields accept anything
type Geometry struct {
	Rows    int `json:"rows" koanf:"rows" yaml:"rows"`
	Columns int `json:"columns" koanf:"columns" yaml:"columns"`
}

// Config holds the orchestrator settings that do not change between acquisitions
type Config struct {
	// Selector picks the detector to connect to
	Selector xisl.Selector

	// Expect is checked against the configuration read from the detector
	Expect Geometry

	// WaitInterval bounds each iteration of the wait for the terminal signal
	WaitInterval time.Duration

	// TerminalTimeout is the longest the orchestrator waits for the terminal
	// signal after start.  Values <= 0 take the default.
	TerminalTimeout time.Duration

	// ConnectTimeout bounds the connection retries
	ConnectTimeout time.Duration

	// MaxBufferBytes caps the frame buffer when no allocator is injected
	MaxBufferBytes int64

	// Options is the acquisition option word passed to the driver
	Options uint32

	// Performance logs the interval between frames at debug level
	Performance bool
}

// DefaultConfig returns the settings of the vendor demo: first GbIF device,
// 100 ms wait iterations
func DefaultConfig() Config {
	return Config{
		Selector:        xisl.Selector{Mode: xisl.OpenFirst, NetworkLoadPercent: 80},
		WaitInterval:    100 * time.Millisecond,
		TerminalTimeout: 15 * time.Minute,
		ConnectTimeout:  3 * time.Second,
		MaxBufferBytes:  4 << 30,
		Options:         xisl.OptDefault,
	}
}

// Progress is reported once per frame
type Progress struct {
	ID     uuid.UUID
	Frame  int
	Target int
}

// Request is one acquisition
type Request struct {
	// Frames is the target frame count, in [MinFrames, MaxFrames]
	Frames int

	// Path is where the sequence is saved; empty skips persistence
	Path string

	// Mode is passed through to the driver
	Mode xisl.Mode

	// Stop requests a manual abort when it is closed or receives
	Stop <-chan struct{}

	// Progress, if not nil, is called from the driver's goroutine for each frame
	Progress func(Progress)
}

// Cause is why an acquisition stopped
type Cause int

const (
	// CauseNone means the acquisition never started
	CauseNone Cause = iota

	// CauseTargetReached means the target frame count was captured
	CauseTargetReached

	// CauseManualAbort means the operator stopped the acquisition
	CauseManualAbort

	// CauseCanceled means the context was canceled
	CauseCanceled

	// CauseDriverFault means the driver stopped on its own with an error
	CauseDriverFault

	// CauseDriverStopped means the driver stopped without a fault before the target
	CauseDriverStopped

	// CauseTimeout means the terminal signal never arrived
	CauseTimeout
)

func (c Cause) String() string {
	switch c {
	case CauseTargetReached:
		return "TargetReached"
	case CauseManualAbort:
		return "ManualAbort"
	case CauseCanceled:
		return "Canceled"
	case CauseDriverFault:
		return "DriverFault"
	case CauseDriverStopped:
		return "DriverStopped"
	case CauseTimeout:
		return "Timeout"
	default:
		return "None"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Cause) UnmarshalText(b []byte) error {
	for k := CauseNone; k <= CauseTimeout; k++ {
		if k.String() == string(b) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("acq: unknown cause %q", b)
}

// SaveInfo describes a persisted sequence
type SaveInfo struct {
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Checksum uint32 `json:"checksum"`
}

// Saver persists a captured sequence
type Saver interface {
	Save(path string, data []uint16, rows, cols, frames int, header xisl.HwHeaderInfo, typeTag int) (SaveInfo, error)
}

// Result is the outcome of Run.  It is populated as far as the acquisition got.
type Result struct {
	ID        uuid.UUID         `json:"id"`
	Target    int               `json:"target"`
	Frames    int               `json:"frames"`
	Rows      int               `json:"rows"`
	Columns   int               `json:"columns"`
	Aborts    int               `json:"aborts"`
	Cause     Cause             `json:"cause"`
	Fault     error             `json:"-"`
	Header    xisl.HwHeaderInfo `json:"header"`
	HeaderErr error             `json:"-"`
	Saved     SaveInfo          `json:"saved"`
	SaveErr   error             `json:"-"`
	Started   time.Time         `json:"started"`
	Elapsed   time.Duration     `json:"elapsed"`
	Teardown  []string          `json:"teardown"`

	// Preview is a copy of the last captured frame
	Preview []uint16 `json:"-"`
}

// Acquisition is the state of one Run shared with the driver callbacks
type Acquisition struct {
	ID uuid.UUID

	session *DetectorSession
	buffer  *FrameBuffer
	tracker *Tracker
	event   *Event

	target    int
	progress  func(Progress)
	perf      bool
	lastFrame atomic.Int64
	log       logger.Logger
}

func (a *Acquisition) onFrame() {
	n, reached := a.tracker.Frame()
	if n == 0 {
		return
	}
	if a.perf {
		now := time.Now().UnixNano()
		prev := a.lastFrame.Swap(now)
		a.log.Debug("frame", "frame", n, "interval", time.Duration(now-prev))
	}
	if a.progress != nil && n <= a.target {
		a.progress(Progress{ID: a.ID, Frame: n, Target: a.target})
	}
	if reached {
		a.log.Info("target frame count reached, stop requested", "frames", n)
		if err := a.tracker.StopErr(); err != nil {
			a.log.Warn("stop request failed", "err", err)
		}
	}
}

func (a *Acquisition) onTerminal(cause error) {
	if !a.event.Signal(cause) {
		a.log.Debug("duplicate or late terminal callback ignored", "cause", cause)
		return
	}
	if cause != nil {
		a.log.Warn("acquisition ended by a driver fault", "err", cause, "code", xisl.Code(cause))
		return
	}
	a.log.Info("acquisition ended", "frames", a.tracker.Count())
}

// Frame is the number of frames captured so far
func (a *Acquisition) Frame() int { return a.tracker.Count() }

// Target is the requested frame count
func (a *Acquisition) Target() int { return a.target }

// teardown releases the buffer, closes the session and disarms the event,
// in that order, skipping whatever was never acquired
func (a *Acquisition) teardown(forced bool) ([]string, error) {
	var (
		trace []string
		errs  []error
	)
	prefix := ""
	if forced {
		prefix = "force "
	}
	if a.buffer != nil {
		if err := a.buffer.Release(forced); err != nil {
			errs = append(errs, fmt.Errorf("release buffer: %w", err))
			trace = append(trace, "retain buffer")
		} else {
			trace = append(trace, prefix+"release buffer")
		}
	}
	if a.session != nil {
		var err error
		if forced {
			err = a.session.ForceClose()
		} else {
			err = a.session.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		trace = append(trace, prefix+"close session")
	}
	if a.event != nil {
		a.event.Disarm()
		trace = append(trace, "disarm event")
	}
	return trace, util.MergeErrors(errs)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithAllocator replaces the buffer allocator
func WithAllocator(f AllocFunc) Option {
	return func(o *Orchestrator) { o.alloc = f }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator runs acquisitions against a driver library, one at a time
type Orchestrator struct {
	lib   xisl.Library
	cfg   Config
	saver Saver
	alloc AllocFunc
	log   logger.Logger

	busy    atomic.Bool
	current atomic.Pointer[Acquisition]
}

// NewOrchestrator returns an orchestrator.  saver may be nil, in which case
// nothing is persisted.
func NewOrchestrator(lib xisl.Library, cfg Config, saver Saver, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = def.WaitInterval
	}
	if cfg.TerminalTimeout <= 0 {
		cfg.TerminalTimeout = def.TerminalTimeout
	}
	o := &Orchestrator{lib: lib, cfg: cfg, saver: saver, log: logger.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.alloc == nil {
		o.alloc = LimitedAlloc(cfg.MaxBufferBytes)
	}
	return o
}

// Current returns the running acquisition, or nil
func (o *Orchestrator) Current() *Acquisition {
	return o.current.Load()
}

// Busy reports whether Run is in progress
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Run performs one acquisition from connection to teardown.  Teardown runs
// on every path.  A persistence failure is returned as an error of kind
// KindPersistence together with a complete Result; every other error means
// the acquisition did not complete.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return Result{}, ErrRunning
	}
	defer o.busy.Store(false)

	a := &Acquisition{
		ID:       uuid.New(),
		target:   req.Frames,
		progress: req.Progress,
		perf:     o.cfg.Performance,
		event:    NewEvent(),
	}
	a.log = o.log.With("acquisition", a.ID.String())
	a.tracker = NewTracker(func() error {
		if a.session == nil {
			return nil
		}
		return a.session.Abort()
	})
	res := Result{ID: a.ID, Target: req.Frames, Started: time.Now()}

	forced, err := o.run(ctx, a, req, &res)
	if err != nil {
		a.log.Error("acquisition failed", "err", err)
	}

	trace, tdErr := a.teardown(forced)
	res.Teardown = trace
	res.Elapsed = time.Since(res.Started)
	if a.session != nil {
		res.Aborts = a.session.Aborts()
	}
	o.current.Store(nil)
	if tdErr != nil {
		a.log.Error("teardown incomplete", "err", tdErr, "steps", trace)
		if err == nil {
			err = tdErr
		}
	} else {
		a.log.Info("teardown complete", "steps", trace)
	}
	return res, err
}

// run executes everything up to teardown and reports whether the teardown
// must be forced
func (o *Orchestrator) run(ctx context.Context, a *Acquisition, req Request, res *Result) (bool, error) {
	if err := ValidateFrameCount(req.Frames); err != nil {
		return false, newError(KindStart, "ValidateFrameCount", err)
	}

	dev, err := o.connect(ctx, a.log)
	if err != nil {
		return false, err
	}
	a.session = NewSession(dev, a.log)

	conf, err := a.session.Configure()
	if err != nil {
		return false, err
	}
	if (o.cfg.Expect.Rows > 0 && conf.Rows != o.cfg.Expect.Rows) ||
		(o.cfg.Expect.Columns > 0 && conf.Columns != o.cfg.Expect.Columns) {
		return false, newError(KindConfiguration, "Configure", fmt.Errorf("%w: detector %dx%d, expected %dx%d",
			ErrGeometryMismatch, conf.Rows, conf.Columns, o.cfg.Expect.Rows, o.cfg.Expect.Columns))
	}
	res.Rows, res.Columns = conf.Rows, conf.Columns

	buf, err := Allocate(req.Frames, conf.Rows, conf.Columns, o.alloc)
	if err != nil {
		return false, err
	}
	a.buffer = buf
	a.log.Debug("frame buffer allocated", "frames", buf.Frames(), "bytes", buf.Bytes())

	if err := a.session.RegisterCallbacks(a.onFrame, a.onTerminal); err != nil {
		return false, err
	}
	if err := a.session.SetAcquisitionMode(req.Mode); err != nil {
		return false, err
	}
	if err := a.session.DefineBuffer(buf); err != nil {
		return false, err
	}

	if err := a.tracker.Start(req.Frames); err != nil {
		return false, newError(KindStart, "Start", err)
	}
	buf.Guard(a.event)
	o.current.Store(a)
	a.lastFrame.Store(time.Now().UnixNano())
	if err := a.session.Start(req.Frames, 0, o.cfg.Options); err != nil {
		buf.Guard(nil)
		return false, err
	}
	a.log.Info("acquisition started", "frames", req.Frames, "rows", conf.Rows, "columns", conf.Columns)

	cause, err := o.wait(ctx, a, req.Stop)
	res.Frames = a.tracker.Count()
	res.Cause = cause
	if err != nil {
		return true, err
	}
	res.Fault = a.event.Cause()

	hdr, err := a.session.HwHeaderInfo()
	if err != nil {
		a.log.Warn("hardware header unavailable", "err", err)
		res.HeaderErr = err
	}
	res.Header = hdr

	if last := util.Clamp(res.Frames, 1, buf.Frames()) - 1; res.Frames > 0 {
		res.Preview = append([]uint16(nil), buf.Frame(last)...)
	}

	if o.saver == nil || req.Path == "" {
		return false, nil
	}
	info, err := o.saver.Save(req.Path, buf.Data(), buf.Rows(), buf.Cols(), buf.Frames(), hdr, TypePKIShort)
	if err != nil {
		perr := newError(KindPersistence, "Save", err)
		res.SaveErr = perr
		return false, perr
	}
	res.Saved = info
	a.log.Info("sequence saved", "path", info.Path, "bytes", info.Bytes, "crc32", fmt.Sprintf("%08x", info.Checksum))
	return false, nil
}

func (o *Orchestrator) connect(ctx context.Context, log logger.Logger) (xisl.Device, error) {
	if v, g, err := o.lib.Version(); err == nil {
		log.Info("detector library", "xisl", v.String(), "gbif", g.String())
	} else {
		log.Warn("library version unavailable", "err", err)
	}
	if devs, err := o.lib.Discover(); err == nil {
		for i, d := range devs {
			log.Info("detector found", "index", i, "ip", d.IP, "mac", d.MAC, "name", d.DeviceName, "model", d.ModelName)
		}
	} else {
		log.Warn("discovery failed", "err", err)
	}

	var (
		dev     xisl.Device
		lastErr error
	)
	op := func() error {
		d, err := o.lib.Connect(o.cfg.Selector)
		if err != nil {
			lastErr = err
			log.Debug("connect attempt failed", "err", err)
			return err
		}
		dev = d
		return nil
	}
	limit := o.cfg.ConnectTimeout
	if limit <= 0 {
		limit = 3 * time.Second
	}
	b := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      limit,
		Clock:               backoff.SystemClock}, ctx)
	if err := backoff.Retry(op, b); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, newError(KindConnection, "Connect", lastErr)
	}

	if p, err := dev.Params(); err == nil {
		log.Info("detector parameters", "ip", p.IP, "mac", p.MAC, "subnet", p.SubnetMask, "gateway", p.Gateway,
			"adapter", p.AdapterIP, "firmware", p.FirmwareVersion, "name", p.DeviceName)
	} else {
		log.Warn("device parameters unavailable", "err", err)
	}
	if p, err := dev.Properties(); err == nil {
		log.Info("detector properties", "type", p.DetectorType, "uniqueID", p.UniqueID, "manufactured", p.ManufacturingDate)
	}
	if nt, err := dev.NetworkTiming(); err == nil {
		log.Info("network timing", "timing", nt.Timing, "packetDelay", nt.PacketDelay, "load", nt.LoadPercent)
	}
	return dev, nil
}

// wait blocks until the terminal signal.  A manual stop or context
// cancellation requests one abort and keeps waiting.
func (o *Orchestrator) wait(ctx context.Context, a *Acquisition, stop <-chan struct{}) (Cause, error) {
	overall := time.NewTimer(o.cfg.TerminalTimeout)
	defer overall.Stop()
	tick := time.NewTicker(o.cfg.WaitInterval)
	defer tick.Stop()

	var (
		done     = ctx.Done()
		manual   = false
		canceled = false
		stopAt   = 0
	)
	requestAbort := func(why string) {
		stopAt = a.tracker.Count()
		a.log.Info("stop requested", "by", why, "frame", stopAt)
		if err := a.session.Abort(); err != nil {
			a.log.Warn("abort failed", "err", err)
		}
	}
	for {
		select {
		case <-a.event.Done():
			switch {
			case a.event.Cause() != nil:
				return CauseDriverFault, nil
			case (manual || canceled) && stopAt < a.target:
				if canceled && !manual {
					return CauseCanceled, nil
				}
				return CauseManualAbort, nil
			case a.tracker.State() == TrackerTargetReached:
				return CauseTargetReached, nil
			default:
				return CauseDriverStopped, nil
			}
		case <-stop:
			stop = nil
			if !canceled {
				manual = true
				requestAbort("operator")
			}
		case <-done:
			done = nil
			if !manual {
				canceled = true
				requestAbort("context")
			}
		case <-tick.C:
			if act, err := a.session.Progress(); err == nil {
				a.log.Debug("waiting for terminal signal", "frames", a.tracker.Count(), "actFrame", act)
			}
		case <-overall.C:
			a.log.Error("terminal callback never arrived, forcing teardown",
				"timeout", o.cfg.TerminalTimeout, "frames", a.tracker.Count())
			return CauseTimeout, newError(KindTerminalTimeout, "WaitTerminal",
				fmt.Errorf("no terminal signal within %v", o.cfg.TerminalTimeout))
		}
	}
}

// IsFatal reports whether err ended an acquisition before its data was valid
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrPersistence)
}
