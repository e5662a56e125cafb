package util_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/xrdacq/util"
)

func ExampleSanitizeFileName() {
	fmt.Println(util.SanitizeFileName("../my scan.tif", ".his"))
	fmt.Println(util.SanitizeFileName("", ".his"))
	// Output:
	// myscan.his
	// image.his
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	clamped := util.Clamp(-1, 1, 600)
	if clamped != 1 {
		t.Errorf("expected -1 to be clipped to 1, got %d", clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestMergeErrors(t *testing.T) {
	if err := util.MergeErrors([]error{nil, nil}); err != nil {
		t.Errorf("expected nil from all-nil input, got %v", err)
	}
	sentinel := errors.New("close failed")
	err := util.MergeErrors([]error{nil, errors.New("release failed"), sentinel})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected merged error to match its parts, got %v", err)
	}
}

func TestSanitizeFileNameKeepsDots(t *testing.T) {
	out := util.SanitizeFileName("run.01.his", ".his")
	if out != "run.01.his" {
		t.Errorf("expected run.01.his got %s", out)
	}
}
