package locker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestCheck(t *testing.T) {
	l := New("status")
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := l.Check(ok)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/start", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	l.Lock()
	require.True(t, l.Locked())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/start", nil))
	assert.Equal(t, http.StatusLocked, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/xrd/status", nil))
	assert.Equal(t, http.StatusNoContent, w.Code, "unprotected path")

	l.Unlock()
	assert.False(t, l.Locked())
}

func TestInjectRoutes(t *testing.T) {
	l := New()
	rt := table{}
	Inject(rt, l)

	w := httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}](w, httptest.NewRequest(http.MethodPost, "/lock", bytes.NewBufferString(`{"bool":true}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, l.Locked())

	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}](w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	assert.JSONEq(t, `{"bool":true}`, w.Body.String())
}

func TestHoldRefusesUnlock(t *testing.T) {
	l := New()
	hold := true
	l.Hold = func() bool { return hold }
	rt := table{}
	Inject(rt, l)
	set := rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}]
	l.Lock()

	w := httptest.NewRecorder()
	set(w, httptest.NewRequest(http.MethodPost, "/lock", bytes.NewBufferString(`{"bool":false}`)))
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.True(t, l.Locked())

	hold = false
	w = httptest.NewRecorder()
	set(w, httptest.NewRequest(http.MethodPost, "/lock", bytes.NewBufferString(`{"bool":false}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, l.Locked())
}
