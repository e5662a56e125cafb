package xisl

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is generated when a device call is made on a handle
	// that was never opened or has already been closed
	ErrNotConnected = errors.New("xisl: device handle is not connected")

	// ErrNoDevice is generated when a selector matches no discovered detector
	ErrNoDevice = errors.New("xisl: no detector matches the selector")

	// ErrCodes maps driver return codes to their names in the vendor manual
	ErrCodes = map[HISError]string{
		0:  "HIS_ALL_OK",
		1:  "HIS_ERROR_MEMORY",
		2:  "HIS_ERROR_BOARDINIT",
		3:  "HIS_ERROR_NOCAMERA",
		4:  "HIS_ERROR_CORRBUFFER_INCOMPATIBLE",
		5:  "HIS_ERROR_ACQ_ALREADY_RUNNING",
		6:  "HIS_ERROR_TIMEOUT",
		7:  "HIS_ERROR_INVALIDACQDESC",
		8:  "HIS_ERROR_VXDNOTFOUND",
		9:  "HIS_ERROR_VXDNOTOPEN",
		10: "HIS_ERROR_VXDUNKNOWNERROR",
		11: "HIS_ERROR_VXDGETDMAADR",
		12: "HIS_ERROR_ACQABORT",
		13: "HIS_ERROR_ACQUISITION",
		14: "HIS_ERROR_VXD_REGISTER_IRQ",
		15: "HIS_ERROR_VXD_REGISTER_STATADR",
		16: "HIS_ERROR_GETOSVERSION",
		17: "HIS_ERROR_SETFRMSYNC",
		18: "HIS_ERROR_SETFRMSYNCMODE",
		19: "HIS_ERROR_SETTIMERSYNC",
		20: "HIS_ERROR_INVALID_FUNC_CALL",
		21: "HIS_ERROR_ABORTCURRFRAME",
		22: "HIS_ERROR_GETHWHEADERINFO",
		23: "HIS_ERROR_HWHEADER_INV",
		24: "HIS_ERROR_SETLINETRIG_MODE",
		25: "HIS_ERROR_WRITE_DATA",
		26: "HIS_ERROR_READ_DATA",
		27: "HIS_ERROR_SETBAUDRATE",
		28: "HIS_ERROR_NODESC_AVAILABLE",
		29: "HIS_ERROR_BUFFERSPACE_NOT_SUFF",
		30: "HIS_ERROR_SETCAMERAMODE",
		31: "HIS_ERROR_FRAME_INV",
		32: "HIS_ERROR_SLOW_SYSTEM",
		33: "HIS_ERROR_GET_NUM_BOARDS",
		34: "HIS_ERROR_HW_ALREADY_OPEN_BY_ANOTHER_PROCESS",
		35: "HIS_ERROR_CREATE_MEMORYMAPPING",
		36: "HIS_ERROR_VXD_REGISTER_DMA_ADDRESS",
		37: "HIS_ERROR_VXD_REGISTER_STAT_ADDR",
		38: "HIS_ERROR_VXD_UNMASK_IRQ",
		39: "HIS_ERROR_LOADDRIVER",
		40: "HIS_ERROR_FUNC_NOTIMPL",
		41: "HIS_ERROR_MEMORY_MAPPING",
		42: "HIS_ERROR_CREATE_MUTEX",
		43: "HIS_ERROR_ACQ",
		44: "HIS_ERROR_DESC_NOT_LOCAL",
		45: "HIS_ERROR_INVALID_PARAM",
		46: "HIS_ERROR_ABORT",
		47: "HIS_ERROR_WRONGBOARDSELECT",
		48: "HIS_ERROR_WRONG_CAMERA_MODE",
		49: "HIS_ERROR_AVERAGED_LOST",
		50: "HIS_ERROR_BAD_SORTING_PARAM",
		51: "HIS_ERROR_UNKNOWN_IP_MAC_NAME",
		52: "HIS_ERROR_NO_BOARD_IN_SUBNET",
		53: "HIS_ERROR_UNABLE_TO_OPEN_BOARD",
		54: "HIS_ERROR_UNABLE_TO_CLOSE_BOARD",
		55: "HIS_ERROR_UNABLE_TO_ACCESS_DETECTOR_FLASH",
		56: "HIS_ERROR_HEADER_TIMEOUT",
		57: "HIS_ERROR_NO_PING_ACK",
		58: "HIS_ERROR_NR_OF_BOARDS_CHANGED",
		59: "HIS_ERROR_PACKET_LOSS",
	}
)

// Named codes used by this package and its consumers
const (
	HISAllOK              HISError = 0
	HISErrorMemory        HISError = 1
	HISErrorNoCamera      HISError = 3
	HISErrorAcqRunning    HISError = 5
	HISErrorTimeout       HISError = 6
	HISErrorInvalidDesc   HISError = 7
	HISErrorAcqAbort      HISError = 12
	HISErrorInvalidCall   HISError = 20
	HISErrorHwHeader      HISError = 22
	HISErrorBufferSpace   HISError = 29
	HISErrorInvalidParam  HISError = 45
	HISErrorNoBoardSubnet HISError = 52
	HISErrorPacketLoss    HISError = 59
)

// HISError represents a driver return code and has nice formatting
type HISError int

func (e HISError) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", int(e), s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", int(e))
}

// Error returns nil if the code is HIS_ALL_OK, otherwise returns
// an object which prints the code and its name
func Error(code int) error {
	if HISError(code) == HISAllOK {
		return nil
	}
	return HISError(code)
}

// CallError decorates a driver code with the name of the driver call that produced it
type CallError struct {
	// Call is the driver function, e.g. Acquisition_DefineDestBuffers
	Call string

	// Err is the underlying error, usually a HISError
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Call, e.Err)
}

// Unwrap returns the underlying error
func (e *CallError) Unwrap() error {
	return e.Err
}

// enrich prefixes the call name onto a driver error; nil in, nil out
func enrich(err error, call string) error {
	if err == nil {
		return nil
	}
	return &CallError{Call: call, Err: err}
}

// Code returns the numeric driver code carried by err, or -1 if there is none
func Code(err error) int {
	var he HISError
	if errors.As(err, &he) {
		return int(he)
	}
	return -1
}
