/*Package xisl describes the capability of a flat panel detector driver library
in the shape of the vendor's XISL acquisition API.

This package does not speak the vendor wire protocol.  It defines the contract
that the acquisition core in package acq is written against, the driver
return codes, and a simulated GigE detector (Sim) that fires its callbacks from
its own goroutines the way the real library does from its own threads.

The life of a device, after the vendor demo:

 lib.Version()
 lib.Discover()                // GbIF device list
 dev, _ := lib.Connect(sel)    // Acquisition_GbIF_Init
 dev.CommChannel()
 dev.Configuration()
 dev.RegisterCallbacks(onFrame, onTerminal)
 dev.SetAcquisitionMode(mode)  // sync mode, timing, gain
 dev.DefineDestBuffers(buf, frames, rows, cols)
 dev.Acquire(frames, 0, OptDefault)
 // ... callbacks fire ...
 dev.HwHeaderInfo()
 dev.Close()

Callbacks may be invoked on any goroutine.  The terminal callback fires exactly
once per accepted Acquire, after which the library no longer touches the
destination buffer.
*/
package xisl

import (
	"fmt"
	"time"
)

// ChannelType is the kind of communication channel a detector is reached over
type ChannelType uint

const (
	// ChannelUnknown is the zero value
	ChannelUnknown ChannelType = 0

	// ChannelGbIF is a GigE interface detector, HIS_BOARD_TYPE_ELTEC_GbIF
	ChannelGbIF ChannelType = 0x40
)

func (c ChannelType) String() string {
	switch c {
	case ChannelGbIF:
		return "GbIF"
	default:
		return fmt.Sprintf("Unknown(%d)", uint(c))
	}
}

// SyncMode is the frame synchronization mode
type SyncMode uint

const (
	// SyncFreeRunning lets the detector clock out frames on its own timing
	SyncFreeRunning SyncMode = 1

	// SyncExternalTrigger waits for an external trigger per frame
	SyncExternalTrigger SyncMode = 2

	// SyncInternalTimer uses the library's timer
	SyncInternalTimer SyncMode = 3

	// SyncSoftTrigger triggers frames from software
	SyncSoftTrigger SyncMode = 4
)

// OpenMode selects how a GbIF detector is addressed on Connect
type OpenMode uint

const (
	// OpenFirst picks the first discovered detector
	OpenFirst OpenMode = 0

	// OpenIP addresses the detector by IP
	OpenIP OpenMode = 1

	// OpenMAC addresses the detector by MAC
	OpenMAC OpenMode = 2

	// OpenName addresses the detector by device name
	OpenName OpenMode = 3
)

// Data types of the detector pixels
const (
	DataShort  = 2
	DataLong   = 4
	DataFloat  = 8
	DataSigned = 16
)

// OptDefault is the acquisition option word used by the vendor demo
const OptDefault uint32 = 0x200

// AcqSnap is the acquisition data tag of a single snap sequence
const AcqSnap uint32 = 10

// Configuration is the detector's current acquisition configuration
type Configuration struct {
	Frames     int      `json:"frames"`
	Rows       int      `json:"rows"`
	Columns    int      `json:"columns"`
	DataType   int      `json:"dataType"`
	SortFlags  int      `json:"sortFlags"`
	IRQEnabled bool     `json:"irqEnabled"`
	AcqType    uint32   `json:"acqType"`
	SystemID   uint32   `json:"systemID"`
	SyncMode   SyncMode `json:"syncMode"`
	HwAccess   uint32   `json:"hwAccess"`
}

// Mode holds the acquisition mode parameters passed through to the driver
type Mode struct {
	// SyncMode is the frame synchronization mode
	SyncMode SyncMode `json:"syncMode" koanf:"syncmode" yaml:"syncmode"`

	// Timing is the camera timing mode index, e.g. 6 for one frame per second
	Timing int `json:"timing" koanf:"timing" yaml:"timing"`

	// Gain is the camera gain index
	Gain int `json:"gain" koanf:"gain" yaml:"gain"`

	// AcqData is an opaque tag handed back by the driver in the callbacks
	AcqData uint32 `json:"acqData" koanf:"acqdata" yaml:"acqdata"`
}

// HwHeaderInfo is the basic and extended hardware header of the detector
type HwHeaderInfo struct {
	PROMID       uint32 `json:"promID"`
	HeaderID     uint32 `json:"headerID"`
	AddRow       bool   `json:"addRow"`
	PwrSave      bool   `json:"pwrSave"`
	NrRows       uint32 `json:"nrRows"`
	NrColumns    uint32 `json:"nrColumns"`
	ZoomULRow    uint32 `json:"zoomULRow"`
	ZoomULColumn uint32 `json:"zoomULColumn"`
	ZoomBRRow    uint32 `json:"zoomBRRow"`
	ZoomBRColumn uint32 `json:"zoomBRColumn"`
	DataType     uint32 `json:"dataType"`
	DataSorting  uint32 `json:"dataSorting"`
	Timing       uint32 `json:"timing"`
	AcqMode      uint32 `json:"acqMode"`
	Gain         uint32 `json:"gain"`
	Offset       uint32 `json:"offset"`
	Access       uint32 `json:"access"`
	SyncMode     bool   `json:"syncMode"`
	Bias         uint32 `json:"bias"`
	LeakRows     uint32 `json:"leakRows"`

	// extended header
	CameraType     uint16 `json:"cameraType"`
	FrameCnt       uint16 `json:"frameCnt"`
	BinningMode    uint16 `json:"binningMode"`
	RealIntTimeMs  uint16 `json:"realIntTimeMs"`
	RealIntTimeUs  uint16 `json:"realIntTimeUs"`
	Status         uint16 `json:"status"`
	ResolutionX    uint16 `json:"resolutionX"`
	ResolutionY    uint16 `json:"resolutionY"`
	FirmwareStatus uint16 `json:"firmwareStatus"`
}

// IntegrationTime is the real integration time reported by the extended header
func (h HwHeaderInfo) IntegrationTime() time.Duration {
	return time.Duration(h.RealIntTimeMs)*time.Millisecond + time.Duration(h.RealIntTimeUs)*time.Microsecond
}

// Version is a library version quadruple
type Version struct {
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Release int    `json:"release"`
	Build   int    `json:"build"`
	Text    string `json:"text,omitempty"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Release)
}

// DeviceParam holds the network parameters of a discovered GbIF device
type DeviceParam struct {
	MAC              string `json:"mac"`
	IP               string `json:"ip"`
	SubnetMask       string `json:"subnetMask"`
	Gateway          string `json:"gateway"`
	AdapterIP        string `json:"adapterIP"`
	AdapterMask      string `json:"adapterMask"`
	BootOptions      uint32 `json:"bootOptions"`
	ManufacturerName string `json:"manufacturerName"`
	ModelName        string `json:"modelName"`
	FirmwareVersion  string `json:"firmwareVersion"`
	DeviceName       string `json:"deviceName"`
}

// DetectorProperties are the production properties of a detector
type DetectorProperties struct {
	DetectorType       string `json:"detectorType"`
	ManufacturingDate  string `json:"manufacturingDate"`
	PlaceOfManufacture string `json:"placeOfManufacture"`
	UniqueID           string `json:"uniqueID"`
	DeviceID           string `json:"deviceID"`
}

// NetworkTiming is the outcome of a GbIF network speed check
type NetworkTiming struct {
	Timing      int           `json:"timing"`
	PacketDelay time.Duration `json:"packetDelay"`
	LoadPercent int           `json:"loadPercent"`
}

// Selector says which detector Connect should open
type Selector struct {
	// Mode is the addressing mode
	Mode OpenMode `json:"mode" koanf:"mode" yaml:"mode"`

	// Index is the position in the discovered list, used with OpenFirst
	Index int `json:"index" koanf:"index" yaml:"index"`

	// Address is the IP, MAC or name, depending on Mode
	Address string `json:"address" koanf:"address" yaml:"address"`

	// EnableIRQ requests interrupt driven transfers
	EnableIRQ bool `json:"enableIRQ" koanf:"enableirq" yaml:"enableirq"`

	// NetworkLoadPercent is the target load for the packet delay calibration
	NetworkLoadPercent int `json:"networkLoadPercent" koanf:"networkloadpercent" yaml:"networkloadpercent"`
}

// LogOptions are the driver library's own logging toggles
type LogOptions struct {
	Enabled     bool
	File        string
	Console     bool
	Level       string
	Performance bool
}

// FrameFunc is invoked by the driver once per completed frame
type FrameFunc func()

// TerminalFunc is invoked by the driver once the acquisition has fully
// stopped.  cause is nil for a normal stop (target reached or abort) and
// non-nil when the driver stopped on its own because of a fault.
type TerminalFunc func(cause error)

// Library is the entry point of a detector driver
type Library interface {
	// Version returns the acquisition library version and the GbIF library version
	Version() (xisl Version, gbif Version, err error)

	// Discover enumerates the detectors reachable on the network
	Discover() ([]DeviceParam, error)

	// Connect opens and initializes the detector chosen by sel
	Connect(sel Selector) (Device, error)

	// SetLogging forwards the library's logging toggles
	SetLogging(opts LogOptions) error
}

// Device is a connected detector handle
type Device interface {
	// Params returns the network parameters of the connected device
	Params() (DeviceParam, error)

	// Properties returns the production properties of the detector
	Properties() (DetectorProperties, error)

	// NetworkTiming returns the result of the connection calibration
	NetworkTiming() (NetworkTiming, error)

	// CommChannel returns the channel type and channel number
	CommChannel() (ChannelType, int, error)

	// Configuration reads the current configuration
	Configuration() (Configuration, error)

	// SetAcquisitionMode applies the mode parameters
	SetAcquisitionMode(m Mode) error

	// DefineDestBuffers hands buf to the driver as the destination of frames*rows*cols samples
	DefineDestBuffers(buf []uint16, frames, rows, cols int) error

	// RegisterCallbacks installs the frame and terminal callbacks
	RegisterCallbacks(onFrame FrameFunc, onTerminal TerminalFunc) error

	// Acquire starts an acquisition of frames frames after skipping skip
	Acquire(frames, skip int, opt uint32) error

	// Abort asks the driver to stop as soon as possible
	Abort() error

	// ActFrame returns the current acquisition and secondary buffer frame indices
	ActFrame() (act int, sec int, err error)

	// HwHeaderInfo reads the hardware header
	HwHeaderInfo() (HwHeaderInfo, error)

	// Close releases the handle
	Close() error
}
