package xisl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Driver call names, as they appear in the vendor manual
const (
	callGbIFInit        = "Acquisition_GbIF_Init"
	callGbIFDiscover    = "Acquisition_GbIF_DiscoverDevices"
	callGetCommChannel  = "Acquisition_GetCommChannel"
	callGetConfig       = "Acquisition_GetConfiguration"
	callSetFrameSync    = "Acquisition_SetFrameSyncMode"
	callSetCameraMode   = "Acquisition_SetCameraMode"
	callSetCameraGain   = "Acquisition_SetCameraGain"
	callDefineDest      = "Acquisition_DefineDestBuffers"
	callSetCallbacks    = "Acquisition_SetCallbacksAndMessages"
	callAcquireImage    = "Acquisition_Acquire_Image"
	callAbort           = "Acquisition_Abort"
	callGetActFrame     = "Acquisition_GetActFrame"
	callGetHwHeaderInfo = "Acquisition_GetHwHeaderInfoEx"
	callDetectorProps   = "Acquisition_GbIF_GetDetectorProperties"
	callClose           = "Acquisition_Close"
)

// SimConfig parameterizes a simulated GbIF detector
type SimConfig struct {
	// Rows and Columns are the sensor geometry
	Rows    int `json:"rows" koanf:"rows" yaml:"rows"`
	Columns int `json:"columns" koanf:"columns" yaml:"columns"`

	// FrameTime is the interval between frames; zero runs unpaced
	FrameTime time.Duration `json:"frameTime" koanf:"frametime" yaml:"frametime"`

	// Devices is the number of detectors Discover reports
	Devices int `json:"devices" koanf:"devices" yaml:"devices"`

	// ConnectFailures is the number of Connect calls that fail before one succeeds
	ConnectFailures int `json:"connectFailures" koanf:"connectfailures" yaml:"connectfailures"`

	// FaultAfter stops the acquisition with FaultCode after this many frames.
	// Zero disables fault injection.
	FaultAfter int      `json:"faultAfter" koanf:"faultafter" yaml:"faultafter"`
	FaultCode  HISError `json:"faultCode" koanf:"faultcode" yaml:"faultcode"`

	// TerminalDelay postpones the terminal callback after the last frame
	TerminalDelay time.Duration `json:"terminalDelay" koanf:"terminaldelay" yaml:"terminaldelay"`

	// SuppressTerminal makes the detector never deliver the terminal callback
	SuppressTerminal bool `json:"suppressTerminal" koanf:"suppressterminal" yaml:"suppressterminal"`

	// Channel overrides the reported channel type; zero means GbIF
	Channel ChannelType `json:"channel" koanf:"channel" yaml:"channel"`

	// ModeRows and ModeColumns, when nonzero, are the geometry the detector
	// reports after SetAcquisitionMode, as a binning camera mode would
	ModeRows    int `json:"modeRows" koanf:"moderows" yaml:"moderows"`
	ModeColumns int `json:"modeColumns" koanf:"modecolumns" yaml:"modecolumns"`

	// Fail makes the named driver call return the given code
	Fail map[string]HISError `json:"fail,omitempty" koanf:"fail" yaml:"fail,omitempty"`
}

// DefaultSimConfig is a small detector clocking out ten frames per second
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Rows:      256,
		Columns:   256,
		FrameTime: 100 * time.Millisecond,
		Devices:   1,
	}
}

// Sim is a simulated XISL library with GbIF detectors
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	connects int
	logging  LogOptions
}

// NewSim returns a simulated library
func NewSim(cfg SimConfig) *Sim {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Channel == ChannelUnknown {
		cfg.Channel = ChannelGbIF
	}
	return &Sim{cfg: cfg}
}

// Version implements Library
func (s *Sim) Version() (Version, Version, error) {
	return Version{Major: 3, Minor: 3, Release: 25, Build: 0, Text: "simulated XISL"},
		Version{Major: 1, Minor: 8, Release: 0, Build: 0, Text: "simulated GbIF"}, nil
}

// Discover implements Library
func (s *Sim) Discover() ([]DeviceParam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(callGbIFDiscover); err != nil {
		return nil, err
	}
	return s.params(), nil
}

func (s *Sim) params() []DeviceParam {
	out := make([]DeviceParam, s.cfg.Devices)
	for i := range out {
		out[i] = DeviceParam{
			MAC:              fmt.Sprintf("00:11:1c:00:00:%02x", i+1),
			IP:               fmt.Sprintf("192.168.10.%d", 10+i),
			SubnetMask:       "255.255.255.0",
			Gateway:          "192.168.10.1",
			AdapterIP:        "192.168.10.2",
			AdapterMask:      "255.255.255.0",
			ManufacturerName: "Simulated",
			ModelName:        "XRD 0822 SIM",
			FirmwareVersion:  "1.0",
			DeviceName:       fmt.Sprintf("sim%d", i),
		}
	}
	return out
}

func (s *Sim) fail(call string) error {
	if code, ok := s.cfg.Fail[call]; ok {
		return enrich(Error(int(code)), call)
	}
	return nil
}

// Connect implements Library
func (s *Sim) Connect(sel Selector) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connects <= s.cfg.ConnectFailures {
		return nil, enrich(Error(int(HISErrorNoBoardSubnet)), callGbIFInit)
	}
	if err := s.fail(callGbIFInit); err != nil {
		return nil, err
	}
	params := s.params()
	var (
		p     DeviceParam
		found bool
	)
	switch sel.Mode {
	case OpenFirst:
		if sel.Index >= 0 && sel.Index < len(params) {
			p, found = params[sel.Index], true
		}
	default:
		for _, cand := range params {
			if (sel.Mode == OpenIP && cand.IP == sel.Address) ||
				(sel.Mode == OpenMAC && cand.MAC == sel.Address) ||
				(sel.Mode == OpenName && cand.DeviceName == sel.Address) {
				p, found = cand, true
				break
			}
		}
	}
	if !found {
		return nil, enrich(ErrNoDevice, callGbIFInit)
	}
	load := sel.NetworkLoadPercent
	if load <= 0 || load > 100 {
		load = 80
	}
	d := &SimDevice{
		cfg:    s.cfg,
		param:  p,
		open:   true,
		timing: NetworkTiming{Timing: 6, PacketDelay: time.Duration(100-load) * time.Microsecond, LoadPercent: load},
		conf: Configuration{
			Frames:     1,
			Rows:       s.cfg.Rows,
			Columns:    s.cfg.Columns,
			DataType:   DataShort,
			IRQEnabled: sel.EnableIRQ,
			SyncMode:   SyncFreeRunning,
			SystemID:   uint32(sel.Index),
		},
	}
	return d, nil
}

// SetLogging implements Library
func (s *Sim) SetLogging(opts LogOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logging = opts
	return nil
}

// Logging returns the last logging options forwarded to the library
func (s *Sim) Logging() LogOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logging
}

// SimDevice is a simulated detector handle.  Frames are written into the
// destination buffer and the callbacks are invoked from a goroutine owned by
// the device.
type SimDevice struct {
	mu     sync.Mutex
	cfg    SimConfig
	param  DeviceParam
	timing NetworkTiming
	open   bool
	conf   Configuration
	mode   Mode

	buf       []uint16
	bufFrames int
	onFrame   FrameFunc
	onTerm    TerminalFunc

	running bool
	act     int
	target  int
	cancel  context.CancelFunc
	done    chan struct{}

	acquires int
	aborts   int
	resets   int
}

func (d *SimDevice) check(call string) error {
	if !d.open {
		return enrich(ErrNotConnected, call)
	}
	if code, ok := d.cfg.Fail[call]; ok {
		return enrich(Error(int(code)), call)
	}
	return nil
}

// Params implements Device
func (d *SimDevice) Params() (DeviceParam, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return DeviceParam{}, ErrNotConnected
	}
	return d.param, nil
}

// Properties implements Device
func (d *SimDevice) Properties() (DetectorProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callDetectorProps); err != nil {
		return DetectorProperties{}, err
	}
	return DetectorProperties{
		DetectorType:       d.param.ModelName,
		ManufacturingDate:  "2019-04-01",
		PlaceOfManufacture: "simulation",
		UniqueID:           d.param.MAC,
		DeviceID:           d.param.DeviceName,
	}, nil
}

// NetworkTiming implements Device
func (d *SimDevice) NetworkTiming() (NetworkTiming, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return NetworkTiming{}, ErrNotConnected
	}
	return d.timing, nil
}

// CommChannel implements Device
func (d *SimDevice) CommChannel() (ChannelType, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callGetCommChannel); err != nil {
		return ChannelUnknown, 0, err
	}
	return d.cfg.Channel, int(d.conf.SystemID), nil
}

// Configuration implements Device
func (d *SimDevice) Configuration() (Configuration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callGetConfig); err != nil {
		return Configuration{}, err
	}
	return d.conf, nil
}

// SetAcquisitionMode implements Device
func (d *SimDevice) SetAcquisitionMode(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, call := range []string{callSetFrameSync, callSetCameraMode, callSetCameraGain} {
		if err := d.check(call); err != nil {
			return err
		}
	}
	if d.running {
		return enrich(Error(int(HISErrorAcqRunning)), callSetCameraMode)
	}
	d.mode = m
	if m.SyncMode != 0 {
		d.conf.SyncMode = m.SyncMode
	}
	if d.cfg.ModeRows > 0 {
		d.conf.Rows = d.cfg.ModeRows
	}
	if d.cfg.ModeColumns > 0 {
		d.conf.Columns = d.cfg.ModeColumns
	}
	return nil
}

// DefineDestBuffers implements Device
func (d *SimDevice) DefineDestBuffers(buf []uint16, frames, rows, cols int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callDefineDest); err != nil {
		return err
	}
	if d.running {
		return enrich(Error(int(HISErrorAcqRunning)), callDefineDest)
	}
	if frames <= 0 || rows != d.conf.Rows || cols != d.conf.Columns {
		return enrich(Error(int(HISErrorInvalidParam)), callDefineDest)
	}
	if len(buf) < frames*rows*cols {
		return enrich(Error(int(HISErrorBufferSpace)), callDefineDest)
	}
	d.buf = buf
	d.bufFrames = frames
	d.conf.Frames = frames
	return nil
}

// RegisterCallbacks implements Device
func (d *SimDevice) RegisterCallbacks(onFrame FrameFunc, onTerminal TerminalFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callSetCallbacks); err != nil {
		return err
	}
	if onFrame == nil || onTerminal == nil {
		return enrich(Error(int(HISErrorInvalidParam)), callSetCallbacks)
	}
	d.onFrame = onFrame
	d.onTerm = onTerminal
	return nil
}

// Acquire implements Device
func (d *SimDevice) Acquire(frames, skip int, opt uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callAcquireImage); err != nil {
		return err
	}
	if d.running {
		return enrich(Error(int(HISErrorAcqRunning)), callAcquireImage)
	}
	if d.buf == nil || d.onFrame == nil || d.onTerm == nil {
		return enrich(Error(int(HISErrorInvalidDesc)), callAcquireImage)
	}
	if frames <= 0 || skip < 0 || frames > d.bufFrames {
		return enrich(Error(int(HISErrorInvalidParam)), callAcquireImage)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.act = 0
	d.target = frames
	d.cancel = cancel
	d.done = make(chan struct{})
	d.acquires++
	go d.run(ctx, frames, skip, d.buf, d.conf.Rows, d.conf.Columns, d.onFrame, d.onTerm, d.done)
	return nil
}

func (d *SimDevice) run(ctx context.Context, frames, skip int, buf []uint16, rows, cols int, onFrame FrameFunc, onTerm TerminalFunc, done chan struct{}) {
	defer close(done)
	limit := rate.Inf
	if d.cfg.FrameTime > 0 {
		limit = rate.Every(d.cfg.FrameTime)
	}
	limiter := rate.NewLimiter(limit, 1)
	// the first token is consumed so frame one arrives one frame time after start
	limiter.Allow()

	var cause error
	for i := 0; i < frames+skip; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if i < skip {
			continue
		}
		n := i - skip
		fillFrame(buf[n*rows*cols:(n+1)*rows*cols], rows, cols, n)
		d.mu.Lock()
		d.act = n
		d.mu.Unlock()
		onFrame()
		if d.cfg.FaultAfter > 0 && n+1 >= d.cfg.FaultAfter {
			code := d.cfg.FaultCode
			if code == HISAllOK {
				code = HISErrorPacketLoss
			}
			cause = enrich(Error(int(code)), callAcquireImage)
			break
		}
	}
	if d.cfg.TerminalDelay > 0 {
		time.Sleep(d.cfg.TerminalDelay)
	}
	d.mu.Lock()
	d.running = false
	// the vendor end-of-acquisition handler resets onboard options
	d.resets++
	d.cancel()
	d.mu.Unlock()
	if d.cfg.SuppressTerminal {
		return
	}
	onTerm(cause)
}

// fillFrame writes a deterministic 12-bit gradient that shifts with the frame index
func fillFrame(dst []uint16, rows, cols, frame int) {
	for r := 0; r < rows; r++ {
		row := dst[r*cols : (r+1)*cols]
		for c := range row {
			row[c] = uint16((r*7 + c*3 + frame*101) & 0x0FFF)
		}
	}
}

// Abort implements Device.  Aborting an idle device is not an error.
func (d *SimDevice) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callAbort); err != nil {
		return err
	}
	d.aborts++
	if d.running && d.cancel != nil {
		d.cancel()
	}
	return nil
}

// ActFrame implements Device
func (d *SimDevice) ActFrame() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callGetActFrame); err != nil {
		return 0, 0, err
	}
	return d.act, d.act, nil
}

// HwHeaderInfo implements Device
func (d *SimDevice) HwHeaderInfo() (HwHeaderInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(callGetHwHeaderInfo); err != nil {
		return HwHeaderInfo{}, err
	}
	ft := d.cfg.FrameTime
	return HwHeaderInfo{
		PROMID:         0x0822,
		HeaderID:       14,
		NrRows:         uint32(d.conf.Rows),
		NrColumns:      uint32(d.conf.Columns),
		ZoomBRRow:      uint32(d.conf.Rows - 1),
		ZoomBRColumn:   uint32(d.conf.Columns - 1),
		DataType:       DataShort,
		Timing:         uint32(d.mode.Timing),
		AcqMode:        d.mode.AcqData,
		Gain:           uint32(d.mode.Gain),
		SyncMode:       d.conf.SyncMode == SyncFreeRunning,
		CameraType:     0x0822,
		FrameCnt:       uint16(d.act + 1),
		RealIntTimeMs:  uint16(ft / time.Millisecond),
		RealIntTimeUs:  uint16((ft % time.Millisecond) / time.Microsecond),
		ResolutionX:    uint16(d.conf.Columns),
		ResolutionY:    uint16(d.conf.Rows),
		FirmwareStatus: 1,
	}, nil
}

// Close implements Device.  A running acquisition is aborted; the terminal
// callback still fires.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	if code, ok := d.cfg.Fail[callClose]; ok {
		return enrich(Error(int(code)), callClose)
	}
	if d.running && d.cancel != nil {
		d.cancel()
	}
	d.open = false
	return nil
}

// Done returns a channel closed when the current acquisition goroutine exits,
// or nil if no acquisition was ever started
func (d *SimDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Stats returns the number of Acquire and Abort calls and onboard option resets
func (d *SimDevice) Stats() (acquires, aborts, resets int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires, d.aborts, d.resets
}
