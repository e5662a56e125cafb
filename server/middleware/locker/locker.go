// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync/atomic"

	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
	"github.jpl.nasa.gov/bdube/xrdacq/server"
)

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker behaves like a sync.Mutex without the blocking, and holds a list
// of path fragments it does not protect.  It is safe for concurrent use.
type Locker struct {
	locked atomic.Bool

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string

	// Hold, if set and returning true, makes HTTPSet refuse to unlock
	Hold func() bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
// and any extra fragments
func New(extra ...string) *Locker {
	return &Locker{DoNotProtect: append([]string{"lock"}, extra...)}
}

// Lock the locker
func (l *Locker) Lock() { l.locked.Store(true) }

// Unlock the locker
func (l *Locker) Unlock() { l.locked.Store(false) }

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool { return l.locked.Load() }

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is
// true and the path is protected, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protected(r.URL.Path) {
			http.Error(w, "locked: an acquisition is running", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Locker) protected(url string) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(url, str) {
			return false
		}
	}
	return true
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		if l.Hold != nil && l.Hold() {
			http.Error(w, "locked: an acquisition is running", http.StatusLocked)
			return
		}
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
