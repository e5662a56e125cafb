// Package util contains misc internal utilities.
package util

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// MergeErrors folds a slice of errors into one, dropping nils.
// The result is nil if every element is nil and matches any of its parts
// with errors.Is
func MergeErrors(errs []error) error {
	return errors.Join(errs...)
}

// Clamp limits x to [low, high]
func Clamp[T int | int64 | float64](x, low, high T) T {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// SanitizeFileName strips directory components and anything but letters,
// digits, dash, underscore and dot from name, then forces the extension ext.
// An empty result becomes "image"+ext.
//
// e.g. SanitizeFileName("../my scan.tif", ".his") => "myscan.his"
func SanitizeFileName(name, ext string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.') {
			return r
		}
		return -1
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "image"
	}
	return name + ext
}
