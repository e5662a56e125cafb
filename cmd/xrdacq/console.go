package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/imgrec"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/store"
	"github.jpl.nasa.gov/bdube/xrdacq/util"
)

// errNoInput is returned when stdin closes during a prompt
var errNoInput = errors.New("input closed before an answer was given")

// syncWriter serializes writes from the driver's goroutine and the prompt
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// console is the interactive front end: prompts, the stop key and progress lines
type console struct {
	in  *bufio.Scanner
	out io.Writer

	// spin shows a spinner while the detector stops after a manual abort
	spin bool
}

func newConsole(in io.Reader, out io.Writer, spin bool) *console {
	return &console{in: bufio.NewScanner(in), out: &syncWriter{w: out}, spin: spin}
}

func (c *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// askName asks for the output name without extension.  An empty answer is
// returned as "".
func (c *console) askName() (string, error) {
	c.printf("\nPlease enter the name of your file (without extension): ")
	if !c.in.Scan() {
		return "", c.inputErr()
	}
	return strings.TrimSpace(c.in.Text()), nil
}

// askFrames asks for the frame count until the answer is in range.  An
// empty answer takes def.
func (c *console) askFrames(def int) (int, error) {
	for {
		c.printf("\nEnter the number of frames (%d-%d) and start acquisition [%d]: ", acq.MinFrames, acq.MaxFrames, def)
		if !c.in.Scan() {
			return 0, c.inputErr()
		}
		txt := strings.TrimSpace(c.in.Text())
		if txt == "" {
			txt = strconv.Itoa(def)
		}
		n, err := strconv.Atoi(txt)
		if err == nil && acq.ValidateFrameCount(n) == nil {
			return n, nil
		}
		c.printf("Invalid input. Please enter a number between %d and %d.\n", acq.MinFrames, acq.MaxFrames)
	}
}

func (c *console) inputErr() error {
	if err := c.in.Err(); err != nil {
		return err
	}
	return errNoInput
}

// isStopKey is true for s, q, or a line of only spaces
func isStopKey(line string) bool {
	t := strings.ToLower(strings.TrimSpace(line))
	return t == "s" || t == "q" || (t == "" && strings.Contains(line, " "))
}

// watchStop reads lines until a stop key and then calls stop.  It returns
// when the input closes.
func (c *console) watchStop(stop func()) {
	for c.in.Scan() {
		if isStopKey(c.in.Text()) {
			stop()
			return
		}
	}
}

func (c *console) spinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " waiting for the detector to stop",
		StopCharacter:   "done",
		StopFailMessage: "the detector did not confirm the stop",
		Writer:          c.out,
	})
}

// outputPath is where a sequence named name is saved.  An empty name is
// auto numbered when a recorder root is configured and "image" otherwise.
func outputPath(cfg config, name, ext string) (string, error) {
	if name == "" && cfg.Recorder.Root != "" {
		return imgrec.New(cfg.Recorder.Root, cfg.Recorder.Prefix, ext).Next()
	}
	dir := cfg.Recorder.Root
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, util.SanitizeFileName(name, ext)), nil
}

// acquire runs one interactive acquisition.  Only errors that prevent the
// acquisition are returned; a failed save is reported and is not an error.
func (c *console) acquire(ctx context.Context, cfg config, log logger.Logger) error {
	lib, err := cfg.library()
	if err != nil {
		return err
	}
	saver, ext, err := store.New(cfg.Format, log)
	if err != nil {
		return err
	}

	name, err := c.askName()
	if err != nil {
		return err
	}
	path, err := outputPath(cfg, name, ext)
	if err != nil {
		return err
	}
	frames, err := c.askFrames(cfg.Frames)
	if err != nil {
		return err
	}

	var (
		stopping atomic.Bool
		spin     *yacspin.Spinner
		spinMu   sync.Mutex
	)
	stop := make(chan struct{})
	go c.watchStop(func() {
		if !stopping.CompareAndSwap(false, true) {
			return
		}
		c.printf("Stopping acquisition manually...\n")
		if c.spin {
			spinMu.Lock()
			if s, err := c.spinner(); err == nil && s.Start() == nil {
				spin = s
			}
			spinMu.Unlock()
		}
		close(stop)
	})

	c.printf("Saving to %s\n", path)
	c.printf("Press s, space or q then Enter to stop the acquisition manually, or wait for it to complete...\n\n")
	o := acq.NewOrchestrator(lib, cfg.orchestrator(), saver, acq.WithLogger(log))
	res, err := o.Run(ctx, acq.Request{
		Frames: frames,
		Path:   path,
		Mode:   cfg.Mode,
		Stop:   stop,
		Progress: func(p acq.Progress) {
			if !stopping.Load() {
				c.printf("Frame %d of %d\n", p.Frame, p.Target)
			}
		},
	})

	spinMu.Lock()
	if spin != nil {
		if res.Cause == acq.CauseTimeout {
			spin.StopFail()
		} else {
			spin.Stop()
		}
	}
	spinMu.Unlock()
	return c.report(res, err)
}

func (c *console) report(res acq.Result, err error) error {
	if res.Cause != acq.CauseNone {
		c.printf("Acquisition complete: %s after %d of %d frames.\n", res.Cause, res.Frames, res.Target)
	}
	if res.Fault != nil {
		c.printf("The detector stopped with: %v\n", res.Fault)
	}
	switch {
	case err == nil && res.Saved.Path != "":
		c.printf("Frames successfully saved to %s (%d bytes, crc32 %08x).\n", res.Saved.Path, res.Saved.Bytes, res.Saved.Checksum)
	case err != nil && !acq.IsFatal(err):
		c.printf("Error: could not save the frames: %v\n", err)
		err = nil
	}
	c.printf("\nClosing connections and cleaning up: %s\n", strings.Join(res.Teardown, ", "))
	c.printf("...Done.\n")
	return err
}
