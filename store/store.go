// Package store persists captured sequences to disk in the HIS or FITS
// container and checksums the pixel payload.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snksoft/crc"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
)

var crcTable = crc.NewTable(crc.CRC32)

// Checksum is the CRC-32 of the little-endian pixel payload
func Checksum(data []uint16) uint32 {
	const chunk = 4096
	var (
		buf = make([]byte, 0, chunk*2)
		sum = crcTable.InitCrc()
	)
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		buf = buf[:0]
		for _, v := range data[:n] {
			buf = append(buf, byte(v), byte(v>>8))
		}
		sum = crcTable.UpdateCrc(sum, buf)
		data = data[n:]
	}
	return crcTable.CRC32(sum)
}

// New returns the saver for format "his" or "fits" and its file extension
func New(format string, log logger.Logger) (acq.Saver, string, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch strings.ToLower(format) {
	case "", "his":
		return &HIS{Log: log}, ".his", nil
	case "fits", "fit":
		return &FITS{Log: log}, ".fits", nil
	default:
		return nil, "", fmt.Errorf("store: unknown format %q, use his or fits", format)
	}
}

// writeAtomic creates path through a temporary file in the same directory
// and renames it into place once fill succeeds
func writeAtomic(path string, fill func(f *os.File) error) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return st.Size(), os.Rename(tmp, path)
}

func checkGeometry(data []uint16, rows, cols, frames int) error {
	if rows <= 0 || cols <= 0 || frames <= 0 || len(data) != rows*cols*frames {
		return fmt.Errorf("store: %d samples cannot hold %d frames of %dx%d", len(data), frames, rows, cols)
	}
	return nil
}
