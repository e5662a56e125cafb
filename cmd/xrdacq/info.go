package main

import (
	"fmt"
	"io"
	"os"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/xrdacq/his"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

type fileInfo struct {
	File        string            `yaml:"file"`
	Rows        int               `yaml:"rows"`
	Columns     int               `yaml:"columns"`
	Frames      int               `yaml:"frames"`
	Integration string            `yaml:"integration"`
	Header      his.Header        `yaml:"header"`
	Hardware    xisl.HwHeaderInfo `yaml:"hardware,omitempty"`
}

// info prints the headers of a .his file as YAML
func info(w io.Writer, fn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	h, img, err := his.ReadHeader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	fi := fileInfo{
		File:        fn,
		Rows:        h.Rows(),
		Columns:     h.Cols(),
		Frames:      int(h.NrOfFrames),
		Integration: h.Integration().String(),
		Header:      h,
	}
	if len(img) >= his.ImageHeaderSize {
		fi.Hardware, _ = his.DecodeImageHeader(img)
	}
	return yml.NewEncoder(w).Encode(fi)
}
