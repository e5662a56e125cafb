package store

import (
	"os"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/his"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// HIS saves sequences in the vendor HIS container
type HIS struct {
	Log logger.Logger
}

// Save implements acq.Saver
func (s *HIS) Save(path string, data []uint16, rows, cols, frames int, header xisl.HwHeaderInfo, typeTag int) (acq.SaveInfo, error) {
	if err := checkGeometry(data, rows, cols, frames); err != nil {
		return acq.SaveInfo{}, err
	}
	h, err := his.NewHeader(rows, cols, frames, header.IntegrationTime(), typeTag)
	if err != nil {
		return acq.SaveInfo{}, err
	}
	n, err := writeAtomic(path, func(f *os.File) error {
		return his.Write(f, h, his.EncodeImageHeader(header), data)
	})
	if err != nil {
		return acq.SaveInfo{}, err
	}
	sum := Checksum(data)
	if s.Log != nil {
		s.Log.Debug("his written", "path", path, "bytes", n, "frames", frames)
	}
	return acq.SaveInfo{Path: path, Bytes: n, Checksum: sum}, nil
}
