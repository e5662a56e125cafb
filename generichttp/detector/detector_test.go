package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/his"
	"github.jpl.nasa.gov/bdube/xrdacq/imgrec"
	"github.jpl.nasa.gov/bdube/xrdacq/store"
	"github.jpl.nasa.gov/bdube/xrdacq/xisl"
)

type rig struct {
	d   *HTTPDetector
	mux http.Handler
	rec *imgrec.Recorder
}

func newRig(t *testing.T, sc xisl.SimConfig) rig {
	t.Helper()
	cfg := acq.DefaultConfig()
	cfg.WaitInterval = 5 * time.Millisecond
	cfg.TerminalTimeout = 5 * time.Second
	saver, ext, err := store.New("his", nil)
	require.NoError(t, err)
	o := acq.NewOrchestrator(xisl.NewSim(sc), cfg, saver)
	rec := imgrec.New(t.TempDir(), "xrd", ext)
	d := NewHTTPDetector(context.Background(), o, rec, 5, xisl.Mode{SyncMode: xisl.SyncFreeRunning}, nil)
	r := chi.NewRouter()
	r.Use(d.Check)
	d.RT().Bind(r)
	return rig{d: d, mux: r, rec: rec}
}

func (r rig) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)
	return w
}

func (r rig) status(t *testing.T) Status {
	t.Helper()
	w := r.do(http.MethodGet, "/acquisition/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	return st
}

func TestStartRunsToTarget(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 4, Columns: 6})

	w := r.do(http.MethodPost, "/acquisition/start", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	r.d.Wait()

	st := r.status(t)
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.Equal(t, acq.CauseTargetReached, st.Last.Cause)
	assert.Equal(t, 5, st.Last.Frames)
	assert.Equal(t, 5, st.Frame)
	assert.NotEmpty(t, st.ID)
	assert.Empty(t, st.Error)

	// auto named by the recorder and readable as HIS
	assert.Equal(t, "xrd000000.his", filepath.Base(st.Last.Saved.Path))
	f, err := os.Open(st.Last.Saved.Path)
	require.NoError(t, err)
	defer f.Close()
	h, _, data, err := his.Read(f)
	require.NoError(t, err)
	assert.EqualValues(t, 5, h.NrOfFrames)
	assert.Len(t, data, 5*4*6)

	w = r.do(http.MethodGet, "/acquisition/download", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, st.Last.Saved.Bytes, w.Body.Len())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "xrd000000.his")
}

func TestStartNamedOutput(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 2, Columns: 2})
	w := r.do(http.MethodPost, "/acquisition/start", `{"frames": 3, "name": "../dark scan.tif"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	r.d.Wait()
	st := r.status(t)
	require.NotNil(t, st.Last)
	assert.Equal(t, filepath.Join(r.rec.Root, "darkscan.his"), st.Last.Saved.Path)
	assert.Equal(t, 3, st.Last.Target)
}

func TestStartRejectsBadFrameCount(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 2, Columns: 2})
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodPost, "/acquisition/start", `{"frames": 601}`).Code)
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodPost, "/acquisition/start", `{"frames": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodPost, "/acquisition/start", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodPost, "/acquisition/frames", `{"int": 0}`).Code)
}

func TestAbortAndLocking(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 2, Columns: 2, FrameTime: 20 * time.Millisecond})
	require.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/frames", `{"int": 500}`).Code)

	require.Equal(t, http.StatusAccepted, r.do(http.MethodPost, "/acquisition/start", "").Code)
	require.Eventually(t, func() bool { return r.status(t).Frame >= 2 }, 2*time.Second, 5*time.Millisecond)

	// settings and a second start are refused while running
	assert.Equal(t, http.StatusLocked, r.do(http.MethodPost, "/acquisition/start", "").Code)
	assert.Equal(t, http.StatusLocked, r.do(http.MethodPost, "/acquisition/mode/gain", `{"int": 2}`).Code)
	assert.Equal(t, http.StatusLocked, r.do(http.MethodPost, "/autowrite/prefix", `{"str": "x"}`).Code)
	w := r.do(http.MethodGet, "/acquisition/busy", "")
	assert.JSONEq(t, `{"bool":true}`, w.Body.String())

	require.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/abort", "").Code)
	require.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/abort", "").Code)
	r.d.Wait()

	st := r.status(t)
	require.NotNil(t, st.Last)
	assert.Equal(t, acq.CauseManualAbort, st.Last.Cause)
	assert.Less(t, st.Last.Frames, 500)
	assert.Equal(t, 1, st.Last.Aborts)

	assert.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/mode/gain", `{"int": 2}`).Code)
	gain, _ := r.d.GetGain()
	assert.Equal(t, 2, gain)
}

func TestClearedLockDoesNotOrphanRun(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 2, Columns: 2, FrameTime: 20 * time.Millisecond})
	require.Equal(t, http.StatusAccepted, r.do(http.MethodPost, "/acquisition/start", `{"frames": 200}`).Code)
	require.Eventually(t, func() bool { return r.status(t).Frame >= 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusLocked, r.do(http.MethodPost, "/lock", `{"bool": false}`).Code, "no unlock while running")

	// even with the lock cleared underneath it, a second start is refused
	r.d.lock.Unlock()
	assert.Equal(t, http.StatusLocked, r.do(http.MethodPost, "/acquisition/start", `{"frames": 5}`).Code)
	st := r.status(t)
	assert.True(t, st.Running)
	assert.Equal(t, 200, st.Target)
	assert.Empty(t, st.Error)
	w := r.do(http.MethodGet, "/acquisition/busy", "")
	assert.JSONEq(t, `{"bool":true}`, w.Body.String())

	require.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/abort", "").Code)
	done := make(chan struct{})
	go func() { r.d.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not reach the running acquisition")
	}

	st = r.status(t)
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.Equal(t, acq.CauseManualAbort, st.Last.Cause)
	assert.Less(t, st.Last.Frames, 200)

	require.Equal(t, http.StatusOK, r.do(http.MethodPost, "/lock", `{"bool": false}`).Code)
	require.Equal(t, http.StatusAccepted, r.do(http.MethodPost, "/acquisition/start", `{"frames": 2}`).Code)
	r.d.Wait()
}

func TestAbortWhileIdle(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 2, Columns: 2})
	assert.Equal(t, http.StatusOK, r.do(http.MethodPost, "/acquisition/abort", "").Code)
	assert.Equal(t, http.StatusNotFound, r.do(http.MethodGet, "/acquisition/preview", "").Code)
	assert.Equal(t, http.StatusNotFound, r.do(http.MethodGet, "/acquisition/download", "").Code)
}

func TestPreview(t *testing.T) {
	r := newRig(t, xisl.SimConfig{Rows: 3, Columns: 5})
	require.Equal(t, http.StatusAccepted, r.do(http.MethodPost, "/acquisition/start", `{"frames": 2}`).Code)
	r.d.Wait()

	w := r.do(http.MethodGet, "/acquisition/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	im, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 5, im.Bounds().Dx())
	assert.Equal(t, 3, im.Bounds().Dy())

	w = r.do(http.MethodGet, "/acquisition/preview?fmt=jpg", "")
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, r.do(http.MethodGet, "/acquisition/preview?fmt=gif", "").Code)
}

func TestGrayScaling(t *testing.T) {
	im := Gray([]uint16{0, 0x0FFF, 0x0800, 0xFFFF}, 2, 2, true)
	assert.Equal(t, []byte{0, 0x0F, 0x08, 0xFF}, im.Pix)

	im = Gray([]uint16{0, 0x0FFF, 0x0800, 0x0100}, 2, 2, false)
	assert.Equal(t, []byte{0, 0xFF, 0x7F, 0x0F}, im.Pix)

	// the minimum is subtracted before stretching
	im = Gray([]uint16{1000, 1100, 1050, 1000}, 2, 2, false)
	assert.Equal(t, []byte{0, 0xFF, 0x7F, 0}, im.Pix)

	im = Gray([]uint16{7, 7, 7, 7}, 2, 2, false)
	assert.Equal(t, []byte{0, 0, 0, 0}, im.Pix, "a flat frame is black")
}
