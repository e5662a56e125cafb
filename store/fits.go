package store

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// HDRVER tags the layout of the FITS header cards written by this package
const HDRVER = "XRD-1"

// FITS saves sequences as a FITS image cube
type FITS struct {
	Log logger.Logger
}

// Cards makes the FITS header cards describing a sequence
func Cards(header xisl.HwHeaderInfo, frames int, sum uint32) []fitsio.Card {
	now := time.Now()
	ts := fmt.Sprintf("%d-%02d-%02dT%02d:%02d:%02d",
		now.Year(),
		now.Month(),
		now.Day(),
		now.Hour(),
		now.Minute(),
		now.Second())
	return []fitsio.Card{
		{Name: "HDRVER", Value: HDRVER, Comment: "header version"},
		{Name: "DATE", Value: ts},
		{Name: "CAMTYPE", Value: int(header.CameraType), Comment: "detector camera type"},
		{Name: "PROMID", Value: int(header.PROMID), Comment: "detector PROM ID"},
		{Name: "EXPTIME", Value: header.IntegrationTime().Seconds(), Comment: "real integration time, seconds"},
		{Name: "TIMING", Value: int(header.Timing), Comment: "camera timing mode"},
		{Name: "GAIN", Value: int(header.Gain), Comment: "camera gain index"},
		{Name: "BINNING", Value: int(header.BinningMode), Comment: "binning mode"},
		{Name: "NFRAMES", Value: frames, Comment: "frames in the cube"},
		{Name: "FRAMECNT", Value: int(header.FrameCnt), Comment: "detector frame counter"},
		{Name: "PIXCRC", Value: fmt.Sprintf("%08x", sum), Comment: "CRC-32 of the little-endian pixel payload"},
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
	}
}

// WriteFits streams a cube of frames frames of rows x cols samples to w
func WriteFits(w io.Writer, metadata []fitsio.Card, data []uint16, rows, cols, frames int) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{cols, rows}
	if frames > 1 {
		dims = append(dims, frames)
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}

	// FITS has no unsigned 16-bit type; shift by BZERO
	ints := make([]int16, len(data))
	for idx, v := range data {
		ints[idx] = int16(v - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// Save implements acq.Saver.  typeTag is accepted for symmetry with the HIS
// saver; FITS always stores BITPIX 16 with BZERO 32768.
func (s *FITS) Save(path string, data []uint16, rows, cols, frames int, header xisl.HwHeaderInfo, typeTag int) (acq.SaveInfo, error) {
	if err := checkGeometry(data, rows, cols, frames); err != nil {
		return acq.SaveInfo{}, err
	}
	if typeTag != acq.TypePKIShort {
		return acq.SaveInfo{}, fmt.Errorf("store: fits supports type tag %d only, got %d", acq.TypePKIShort, typeTag)
	}
	sum := Checksum(data)
	n, err := writeAtomic(path, func(f *os.File) error {
		return WriteFits(f, Cards(header, frames, sum), data, rows, cols, frames)
	})
	if err != nil {
		return acq.SaveInfo{}, err
	}
	if s.Log != nil {
		s.Log.Debug("fits written", "path", path, "bytes", n, "frames", frames)
	}
	return acq.SaveInfo{Path: path, Bytes: n, Checksum: sum}, nil
}
