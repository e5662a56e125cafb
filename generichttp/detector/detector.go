// Package detector provides an HTTP interface to the acquisition orchestrator.
//
// Acquisitions run in the background: POST /acquisition/start returns 202
// immediately and GET /acquisition/status reports progress and the result
// of the last run.  Settings routes are locked with 423 while a run is in
// progress.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
	"github.jpl.nasa.gov/bdube/xrdacq/imgrec"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/server"
	"github.jpl.nasa.gov/bdube/xrdacq/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/xrdacq/util"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

// ErrNoResult is returned by routes that need a finished acquisition
var ErrNoResult = errors.New("detector: no acquisition has finished yet")

// Runner runs acquisitions; *acq.Orchestrator implements it
type Runner interface {
	Run(ctx context.Context, req acq.Request) (acq.Result, error)
	Busy() bool
}

// StartRequest is the body of POST /acquisition/start.  Zero Frames uses
// the configured default; an empty Name uses the recorder.
type StartRequest struct {
	Frames int    `json:"frames"`
	Name   string `json:"name"`
}

// Status is the body of GET /acquisition/status
type Status struct {
	Running   bool        `json:"running"`
	ID        string      `json:"id,omitempty"`
	Frame     int         `json:"frame"`
	Target    int         `json:"target"`
	Path      string      `json:"path,omitempty"`
	Last      *acq.Result `json:"last,omitempty"`
	Error     string      `json:"error,omitempty"`
	Fault     string      `json:"fault,omitempty"`
	SaveError string      `json:"saveError,omitempty"`
}

// HTTPDetector wraps a Runner in an HTTP interface
type HTTPDetector struct {
	run  Runner
	rec  *imgrec.Recorder
	lock *locker.Locker
	log  logger.Logger
	ctx  context.Context

	// Dir is where named acquisitions are saved when the recorder has no root
	Dir string

	frames   atomic.Int64
	progress atomic.Pointer[acq.Progress]
	active   atomic.Bool

	mu      sync.Mutex
	mode    xisl.Mode
	stop    chan struct{}
	stopped bool
	done    chan struct{}
	path    string
	last    *acq.Result
	lastErr error

	RouteTable generichttp.RouteTable
}

// NewHTTPDetector returns a detector server.  ctx bounds every acquisition;
// rec may be nil, in which case only named acquisitions are saved.
func NewHTTPDetector(ctx context.Context, run Runner, rec *imgrec.Recorder, frames int, mode xisl.Mode, log logger.Logger) *HTTPDetector {
	if log == nil {
		log = logger.Nop()
	}
	d := &HTTPDetector{
		run:  run,
		rec:  rec,
		lock: locker.New("status", "abort", "preview", "download", "busy", "endpoints"),
		log:  log,
		ctx:  ctx,
		Dir:  ".",
		mode: mode,
	}
	d.lock.Hold = d.running
	d.frames.Store(int64(util.Clamp(frames, acq.MinFrames, acq.MaxFrames)))

	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/acquisition/start"}:       d.Start,
		{Method: http.MethodPost, Path: "/acquisition/abort"}:       d.Abort,
		{Method: http.MethodGet, Path: "/acquisition/status"}:       d.Status,
		{Method: http.MethodGet, Path: "/acquisition/preview"}:      d.Preview,
		{Method: http.MethodGet, Path: "/acquisition/download"}:     d.Download,
		{Method: http.MethodGet, Path: "/acquisition/frames"}:       generichttp.GetInt(d.GetFrames),
		{Method: http.MethodPost, Path: "/acquisition/frames"}:      generichttp.SetInt(d.SetFrames),
		{Method: http.MethodGet, Path: "/acquisition/busy"}:         generichttp.GetBool(d.GetBusy),
		{Method: http.MethodGet, Path: "/acquisition/mode/gain"}:    generichttp.GetInt(d.GetGain),
		{Method: http.MethodPost, Path: "/acquisition/mode/gain"}:   generichttp.SetInt(d.SetGain),
		{Method: http.MethodGet, Path: "/acquisition/mode/timing"}:  generichttp.GetInt(d.GetTiming),
		{Method: http.MethodPost, Path: "/acquisition/mode/timing"}: generichttp.SetInt(d.SetTiming),
	}
	d.RouteTable = rt
	locker.Inject(d, d.lock)
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(d)
	}
	return d
}

// RT satisfies generichttp.HTTPer
func (d *HTTPDetector) RT() generichttp.RouteTable {
	return d.RouteTable
}

// Check is the lock middleware; wrap the router with it
func (d *HTTPDetector) Check(next http.Handler) http.Handler {
	return d.lock.Check(next)
}

// GetFrames returns the default frame count
func (d *HTTPDetector) GetFrames() (int, error) {
	return int(d.frames.Load()), nil
}

// SetFrames sets the default frame count
func (d *HTTPDetector) SetFrames(n int) error {
	if err := acq.ValidateFrameCount(n); err != nil {
		return err
	}
	d.frames.Store(int64(n))
	return nil
}

// GetGain returns the gain passed to the driver
func (d *HTTPDetector) GetGain() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode.Gain, nil
}

// SetGain sets the gain for the next acquisition
func (d *HTTPDetector) SetGain(g int) error {
	if g < 0 {
		return fmt.Errorf("detector: gain %d is negative", g)
	}
	d.mu.Lock()
	d.mode.Gain = g
	d.mu.Unlock()
	return nil
}

// GetTiming returns the camera timing mode passed to the driver
func (d *HTTPDetector) GetTiming() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode.Timing, nil
}

// SetTiming sets the camera timing mode for the next acquisition
func (d *HTTPDetector) SetTiming(t int) error {
	if t < 0 {
		return fmt.Errorf("detector: timing mode %d is negative", t)
	}
	d.mu.Lock()
	d.mode.Timing = t
	d.mu.Unlock()
	return nil
}

// running is true from a successful Start until its acquisition has torn down
func (d *HTTPDetector) running() bool {
	return d.active.Load() || d.run.Busy()
}

// GetBusy reports whether an acquisition is running
func (d *HTTPDetector) GetBusy() (bool, error) {
	return d.running(), nil
}

// output picks the save path for a request
func (d *HTTPDetector) output(name string) (string, error) {
	ext := imgrec.DefaultExt
	dir := d.Dir
	if d.rec != nil {
		if d.rec.Ext != "" {
			ext = d.rec.Ext
		}
		if root, _ := d.rec.GetRoot(); root != "" {
			dir = root
		}
	}
	if name != "" {
		return filepath.Join(dir, util.SanitizeFileName(name, ext)), nil
	}
	if d.rec == nil {
		return "", nil
	}
	if enabled, _ := d.rec.GetEnabled(); !enabled {
		return "", nil
	}
	return d.rec.Next()
}

// Start begins an acquisition in the background
func (d *HTTPDetector) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Frames == 0 {
		req.Frames = int(d.frames.Load())
	}
	if err := acq.ValidateFrameCount(req.Frames); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// the lock can be cleared by hand, so it does not guard the run state
	if d.run.Busy() || !d.active.CompareAndSwap(false, true) {
		http.Error(w, acq.ErrRunning.Error(), http.StatusLocked)
		return
	}
	d.lock.Lock()
	path, err := d.output(req.Name)
	if err != nil {
		d.lock.Unlock()
		d.active.Store(false)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	d.mu.Lock()
	d.stop, d.stopped, d.done, d.path = stop, false, done, path
	mode := d.mode
	d.mu.Unlock()
	d.progress.Store(&acq.Progress{Target: req.Frames})

	areq := acq.Request{
		Frames:   req.Frames,
		Path:     path,
		Mode:     mode,
		Stop:     stop,
		Progress: func(p acq.Progress) { d.progress.Store(&p) },
	}
	go d.background(areq, done)

	d.log.Info("acquisition requested", "frames", req.Frames, "path", path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(StartRequest{Frames: req.Frames, Name: path})
}

func (d *HTTPDetector) background(req acq.Request, done chan struct{}) {
	res, err := d.run.Run(d.ctx, req)
	if err != nil {
		d.log.Error("acquisition ended with an error", "err", err)
	}
	d.mu.Lock()
	d.last, d.lastErr = &res, err
	d.mu.Unlock()
	d.lock.Unlock()
	d.active.Store(false)
	close(done)
}

// Wait blocks until the background acquisition, if any, has finished
func (d *HTTPDetector) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Abort requests a manual stop.  It is a no-op when nothing is running.
func (d *HTTPDetector) Abort(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	if d.stop != nil && !d.stopped {
		close(d.stop)
		d.stopped = true
		d.log.Info("manual abort requested")
	}
	d.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Status reports progress and the last result
func (d *HTTPDetector) Status(w http.ResponseWriter, r *http.Request) {
	st := Status{Running: d.running()}
	if p := d.progress.Load(); p != nil {
		st.Frame, st.Target = p.Frame, p.Target
		if p.ID != uuid.Nil {
			st.ID = p.ID.String()
		}
	}
	d.mu.Lock()
	st.Path = d.path
	st.Last = d.last
	if d.lastErr != nil {
		st.Error = d.lastErr.Error()
	}
	if d.last != nil {
		if d.last.Fault != nil {
			st.Fault = d.last.Fault.Error()
		}
		if d.last.SaveErr != nil {
			st.SaveError = d.last.SaveErr.Error()
		}
	}
	d.mu.Unlock()
	server.ReplyJSON(w, st)
}

func (d *HTTPDetector) lastResult() (*acq.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil, ErrNoResult
	}
	return d.last, nil
}

// Preview returns the last captured frame of the last acquisition as an
// image.  The query parameter fmt selects png (default) or jpg; scale=fixed
// divides by 256 instead of stretching the frame's range to 0-255.
func (d *HTTPDetector) Preview(w http.ResponseWriter, r *http.Request) {
	res, err := d.lastResult()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if len(res.Preview) == 0 || res.Rows*res.Columns != len(res.Preview) {
		http.Error(w, "detector: the last acquisition has no frame", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	im := Gray(res.Preview, res.Columns, res.Rows, q.Get("scale") == "fixed")
	switch q.Get("fmt") {
	case "", "png":
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, im)
	case "jpg", "jpeg":
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, im, nil)
	default:
		http.Error(w, fmt.Sprintf("format %q is not png or jpg", q.Get("fmt")), http.StatusBadRequest)
	}
}

// Gray converts 16-bit samples to an 8-bit image.  fixed scales by 1/256;
// otherwise the frame's minimum maps to 0 and its maximum to 255.
func Gray(img []uint16, width, height int, fixed bool) *image.Gray {
	buf := make([]byte, len(img))
	if fixed {
		for idx, v := range img {
			buf[idx] = byte(v >> 8)
		}
		return &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
	}
	lo, hi := uint16(0xFFFF), uint16(0)
	for _, v := range img {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi > lo {
		span := uint32(hi - lo)
		for idx, v := range img {
			buf[idx] = byte(uint32(v-lo) * 255 / span)
		}
	}
	return &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
}

// Download serves the file saved by the last acquisition
func (d *HTTPDetector) Download(w http.ResponseWriter, r *http.Request) {
	res, err := d.lastResult()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if res.Saved.Path == "" {
		http.Error(w, "detector: the last acquisition was not saved", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, filepath.Base(res.Saved.Path), filepath.Dir(res.Saved.Path))
}
