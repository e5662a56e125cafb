/*Package his reads and writes the HIS image sequence container written by the
vendor's acquisition software.

A file is a 68 byte little-endian file header, an image header of
ImageHeaderSize bytes, then NrOfFrames frames of raw samples, row major.
Only unsigned 16-bit samples (PKI_SHORT) are supported.
*/
package his

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.jpl.nasa.gov/bdube/xrdacq/util"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

const (
	// FileType is the file ID in the first word of every HIS file
	FileType = 0x7000

	// HeaderSize is the size of the file header in bytes
	HeaderSize = 68

	// Version100 is the plain header
	Version100 = 100

	// Version101 adds the median value of the image
	Version101 = 101

	// ImageHeaderSize is the size of the image header written by this package
	ImageHeaderSize = 32
)

// Numeric type tags, TypeOfNumbers
const (
	PKIReserved    = 1
	PKIDouble      = 2
	PKIShort       = 4
	PKISigned      = 8
	PKIErrorMap    = 16
	PKILong        = 32
	PKISignedShort = PKIShort | PKISigned
)

var (
	// ErrNotHIS is generated when the file type word is not 0x7000
	ErrNotHIS = errors.New("his: not a HIS file")

	// ErrUnsupportedType is generated for sample types other than PKI_SHORT
	ErrUnsupportedType = errors.New("his: unsupported sample type")

	// ErrGeometry is generated when the data does not match the header geometry
	ErrGeometry = errors.New("his: data size does not match the header")
)

// Header is the file header
type Header struct {
	FileType        uint16 `json:"fileType"`
	HeaderSize      uint16 `json:"headerSize"`
	HeaderVersion   uint16 `json:"headerVersion"`
	FileSize        uint32 `json:"fileSize"`
	ImageHeaderSize uint16 `json:"imageHeaderSize"`
	ULX             uint16 `json:"ulx"`
	ULY             uint16 `json:"uly"`
	BRX             uint16 `json:"brx"`
	BRY             uint16 `json:"bry"`
	NrOfFrames      uint16 `json:"nrOfFrames"`
	Correction      uint16 `json:"correction"`

	// IntegrationTime is in microseconds
	IntegrationTime float64 `json:"integrationTime"`
	TypeOfNumbers   uint16  `json:"typeOfNumbers"`

	// MedianValue is only stored by version 101
	MedianValue uint16 `json:"medianValue,omitempty"`
}

// NewHeader returns a version 100 header for frames frames of rows x cols samples
func NewHeader(rows, cols, frames int, integration time.Duration, typeTag int) (Header, error) {
	if rows <= 0 || cols <= 0 || frames <= 0 || rows > math.MaxUint16 || cols > math.MaxUint16 || frames > math.MaxUint16 {
		return Header{}, fmt.Errorf("%w: %d frames of %dx%d", ErrGeometry, frames, rows, cols)
	}
	if typeTag != PKIShort {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedType, typeTag)
	}
	size := uint64(HeaderSize) + ImageHeaderSize + uint64(rows)*uint64(cols)*uint64(frames)*2
	if size > math.MaxUint32 {
		return Header{}, fmt.Errorf("%w: %d bytes does not fit the file size field", ErrGeometry, size)
	}
	return Header{
		FileType:        FileType,
		HeaderSize:      HeaderSize,
		HeaderVersion:   Version100,
		FileSize:        uint32(size),
		ImageHeaderSize: ImageHeaderSize,
		BRX:             uint16(cols - 1),
		BRY:             uint16(rows - 1),
		NrOfFrames:      uint16(frames),
		IntegrationTime: float64(integration) / float64(time.Microsecond),
		TypeOfNumbers:   uint16(typeTag),
	}, nil
}

// Rows is the number of rows in the bounding rectangle
func (h Header) Rows() int { return int(h.BRY) - int(h.ULY) + 1 }

// Cols is the number of columns in the bounding rectangle
func (h Header) Cols() int { return int(h.BRX) - int(h.ULX) + 1 }

// Samples is the number of samples in the sequence
func (h Header) Samples() int { return h.Rows() * h.Cols() * int(h.NrOfFrames) }

// Integration is IntegrationTime as a Duration
func (h Header) Integration() time.Duration {
	return util.SecsToDuration(h.IntegrationTime / 1e6)
}

// MarshalBinary encodes the 68 byte file header
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint16(b[0:], h.FileType)
	le.PutUint16(b[2:], h.HeaderSize)
	le.PutUint16(b[4:], h.HeaderVersion)
	le.PutUint32(b[6:], h.FileSize)
	le.PutUint16(b[10:], h.ImageHeaderSize)
	le.PutUint16(b[12:], h.ULX)
	le.PutUint16(b[14:], h.ULY)
	le.PutUint16(b[16:], h.BRX)
	le.PutUint16(b[18:], h.BRY)
	le.PutUint16(b[20:], h.NrOfFrames)
	le.PutUint16(b[22:], h.Correction)
	le.PutUint64(b[24:], math.Float64bits(h.IntegrationTime))
	le.PutUint16(b[32:], h.TypeOfNumbers)
	if h.HeaderVersion >= Version101 {
		le.PutUint16(b[34:], h.MedianValue)
	}
	return b, nil
}

// UnmarshalBinary decodes a file header from the first 68 bytes of b
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("his: short header, %d bytes", len(b))
	}
	le := binary.LittleEndian
	if le.Uint16(b[0:]) != FileType {
		return fmt.Errorf("%w: file type 0x%04x", ErrNotHIS, le.Uint16(b[0:]))
	}
	*h = Header{
		FileType:        le.Uint16(b[0:]),
		HeaderSize:      le.Uint16(b[2:]),
		HeaderVersion:   le.Uint16(b[4:]),
		FileSize:        le.Uint32(b[6:]),
		ImageHeaderSize: le.Uint16(b[10:]),
		ULX:             le.Uint16(b[12:]),
		ULY:             le.Uint16(b[14:]),
		BRX:             le.Uint16(b[16:]),
		BRY:             le.Uint16(b[18:]),
		NrOfFrames:      le.Uint16(b[20:]),
		Correction:      le.Uint16(b[22:]),
		IntegrationTime: math.Float64frombits(le.Uint64(b[24:])),
		TypeOfNumbers:   le.Uint16(b[32:]),
	}
	if h.HeaderVersion >= Version101 {
		h.MedianValue = le.Uint16(b[34:])
	}
	if h.HeaderSize < HeaderSize {
		return fmt.Errorf("his: header size %d is smaller than %d", h.HeaderSize, HeaderSize)
	}
	return nil
}

// EncodeImageHeader packs the part of the hardware header kept in a file
func EncodeImageHeader(hw xisl.HwHeaderInfo) []byte {
	b := make([]byte, ImageHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], hw.PROMID)
	le.PutUint32(b[4:], hw.HeaderID)
	le.PutUint32(b[8:], hw.NrRows)
	le.PutUint32(b[12:], hw.NrColumns)
	le.PutUint16(b[16:], hw.CameraType)
	le.PutUint16(b[18:], hw.FrameCnt)
	le.PutUint16(b[20:], hw.BinningMode)
	le.PutUint16(b[22:], hw.RealIntTimeMs)
	le.PutUint16(b[24:], hw.RealIntTimeUs)
	le.PutUint16(b[26:], hw.Status)
	le.PutUint16(b[28:], hw.ResolutionX)
	le.PutUint16(b[30:], hw.ResolutionY)
	return b
}

// DecodeImageHeader is the inverse of EncodeImageHeader
func DecodeImageHeader(b []byte) (xisl.HwHeaderInfo, error) {
	if len(b) < ImageHeaderSize {
		return xisl.HwHeaderInfo{}, fmt.Errorf("his: short image header, %d bytes", len(b))
	}
	le := binary.LittleEndian
	return xisl.HwHeaderInfo{
		PROMID:        le.Uint32(b[0:]),
		HeaderID:      le.Uint32(b[4:]),
		NrRows:        le.Uint32(b[8:]),
		NrColumns:     le.Uint32(b[12:]),
		CameraType:    le.Uint16(b[16:]),
		FrameCnt:      le.Uint16(b[18:]),
		BinningMode:   le.Uint16(b[20:]),
		RealIntTimeMs: le.Uint16(b[22:]),
		RealIntTimeUs: le.Uint16(b[24:]),
		Status:        le.Uint16(b[26:]),
		ResolutionX:   le.Uint16(b[28:]),
		ResolutionY:   le.Uint16(b[30:]),
	}, nil
}

// Write encodes a complete file.  len(data) must equal h.Samples() and
// imageHeader must be h.ImageHeaderSize bytes long.
func Write(w io.Writer, h Header, imageHeader []byte, data []uint16) error {
	if len(data) != h.Samples() {
		return fmt.Errorf("%w: %d samples, header says %d", ErrGeometry, len(data), h.Samples())
	}
	if len(imageHeader) != int(h.ImageHeaderSize) {
		return fmt.Errorf("%w: image header is %d bytes, header says %d", ErrGeometry, len(imageHeader), h.ImageHeaderSize)
	}
	hdr, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(w, 1<<16)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	if _, err := bw.Write(imageHeader); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, data); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadHeader reads the file header and the image header from r
func ReadHeader(r io.Reader) (Header, []byte, error) {
	var h Header
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return h, nil, fmt.Errorf("his: reading header: %w", err)
	}
	if err := h.UnmarshalBinary(b); err != nil {
		return h, nil, err
	}
	// a larger file header is skipped
	if extra := int64(h.HeaderSize) - HeaderSize; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return h, nil, fmt.Errorf("his: reading header: %w", err)
		}
	}
	img := make([]byte, h.ImageHeaderSize)
	if _, err := io.ReadFull(r, img); err != nil {
		return h, nil, fmt.Errorf("his: reading image header: %w", err)
	}
	return h, img, nil
}

// Read decodes a complete file
func Read(r io.Reader) (Header, []byte, []uint16, error) {
	h, img, err := ReadHeader(r)
	if err != nil {
		return h, img, nil, err
	}
	if h.TypeOfNumbers != PKIShort {
		return h, img, nil, fmt.Errorf("%w: %d", ErrUnsupportedType, h.TypeOfNumbers)
	}
	if h.Rows() <= 0 || h.Cols() <= 0 {
		return h, img, nil, fmt.Errorf("%w: bounding rectangle %d,%d %d,%d", ErrGeometry, h.ULX, h.ULY, h.BRX, h.BRY)
	}
	data := make([]uint16, h.Samples())
	if err := binary.Read(bufio.NewReaderSize(r, 1<<16), binary.LittleEndian, data); err != nil {
		return h, img, nil, fmt.Errorf("his: reading %d samples: %w", len(data), err)
	}
	return h, img, data, nil
}
