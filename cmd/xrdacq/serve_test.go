package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
	"github.jpl.nasa.gov/bdube/xrdacq/generichttp/detector"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
)

func TestServeMountsUnderRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Root = "xrd/"
	h, d, err := buildMux(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/xrd/acquisition/start", "application/json", strings.NewReader(`{"frames": 2, "name": "served"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	d.Wait()

	resp, err = http.Get(srv.URL + "/xrd/acquisition/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st detector.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.NotNil(t, st.Last)
	assert.Equal(t, filepath.Join(cfg.Recorder.Root, "served.his"), st.Last.Saved.Path)

	resp2, err := http.Get(srv.URL + "/xrd/endpoints")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var eps []generichttp.MethodPath
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&eps))
	assert.Contains(t, eps, generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"})
	assert.Contains(t, eps, generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"})

	resp3, err := http.Get(srv.URL + "/acquisition/status")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode, "routes live under the root only")
}

func TestInfoPrintsHeader(t *testing.T) {
	cfg := testConfig(t)
	c := newConsole(strings.NewReader("hdr\n2\n"), new(safeBuffer), false)
	require.NoError(t, c.acquire(context.Background(), cfg, logger.Nop()))

	var out bytes.Buffer
	require.NoError(t, info(&out, filepath.Join(cfg.Recorder.Root, "hdr.his")))
	txt := out.String()
	assert.Contains(t, txt, "rows: 4")
	assert.Contains(t, txt, "columns: 3")
	assert.Contains(t, txt, "frames: 2")
	assert.Contains(t, txt, "filetype: 28672")

	assert.Error(t, info(&out, filepath.Join(cfg.Recorder.Root, "none.his")))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "xrdacq version "+Version+"\n", out.String())

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "serve", "info", "mkconf", "conf", "version"} {
		assert.Contains(t, names, want)
	}
}
