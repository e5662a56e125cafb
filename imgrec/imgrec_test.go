package imgrec

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
	"github.jpl.nasa.gov/bdube/xrdacq/server"
)

func fixedDay(r *Recorder) {
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
}

func TestNextIncrements(t *testing.T) {
	root := t.TempDir()
	r := New(root, "scan", ".his")
	fixedDay(r)

	p0, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2024-05-01", "scan000000.his"), p0)
	p1, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2024-05-01", "scan000001.his"), p1)
}

func TestNextSkipsExistingFiles(t *testing.T) {
	root := t.TempDir()
	day := filepath.Join(root, "2024-05-01")
	require.NoError(t, os.MkdirAll(day, 0o755))
	for _, fn := range []string{"scan000007.his", "scan000003.his", "scan000099.fits", "other000050.his", "scanxx.his"} {
		require.NoError(t, os.WriteFile(filepath.Join(day, fn), nil, 0o644))
	}
	r := New(root, "scan", "his")
	fixedDay(r)
	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "scan000008.his", filepath.Base(p))

	// the counter follows files of the new extension on the next call
	r.Ext = ".fits"
	p, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "scan000100.fits", filepath.Base(p))
}

func TestNextNeedsRoot(t *testing.T) {
	_, err := (&Recorder{}).Next()
	assert.Error(t, err)
}

func TestSetPrefixRejectsSeparators(t *testing.T) {
	r := New(t.TempDir(), "a", "")
	assert.Error(t, r.SetPrefix("../b"))
	require.NoError(t, r.SetPrefix("b"))
	p, _ := r.GetPrefix()
	assert.Equal(t, "b", p)
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestHTTPWrapperRoutes(t *testing.T) {
	rec := New(t.TempDir(), "scan", "")
	rt := table{}
	NewHTTPWrapper(rec).Inject(rt)
	mux := chi.NewRouter()
	rt.RT().Bind(mux)

	newRoot := filepath.Join(t.TempDir(), "new")
	body, _ := json.Marshal(server.StrT{Str: newRoot})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/autowrite/root", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.DirExists(t, newRoot)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/autowrite/root", nil))
	var s server.StrT
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	assert.Equal(t, newRoot, s.Str)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/autowrite/enabled", bytes.NewBufferString(`{"bool":false}`)))
	require.Equal(t, http.StatusOK, w.Code)
	enabled, _ := rec.GetEnabled()
	assert.False(t, enabled)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/autowrite/prefix", bytes.NewBufferString(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
