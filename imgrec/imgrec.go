// Package imgrec contains an image recorder used to automatically name saved sequences.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
)

// DefaultExt is the extension used when Ext is empty
const DefaultExt = ".his"

// Recorder names image sequences with incrementing filenames in yyyy-mm-dd
// subfolders of Root: Root/2024-05-01/Prefix000012.his
type Recorder struct {
	mu sync.Mutex

	// counter is the next sequence number
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Ext is the file extension including the dot
	Ext string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is swapped out in tests
	now func() time.Time
}

// New returns an enabled recorder
func New(root, prefix, ext string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Ext: ext, Enabled: true}
}

func (r *Recorder) ext() string {
	if r.Ext == "" {
		return DefaultExt
	}
	if !strings.HasPrefix(r.Ext, ".") {
		return "." + r.Ext
	}
	return r.Ext
}

// folder is the dated subfolder for today
func (r *Recorder) folder() string {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	y, m, d := now().Date()
	return filepath.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", y, m, d))
}

// Next creates today's folder and returns the path for the next sequence.
// The counter continues after the highest number already on disk so a
// restart never overwrites earlier files.
func (r *Recorder) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Root == "" {
		return "", fmt.Errorf("imgrec: no root folder")
	}
	fldr := r.folder()
	if err := os.MkdirAll(fldr, 0o755); err != nil {
		return "", err
	}
	if n := r.scan(fldr) + 1; n > r.counter {
		r.counter = n
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d%s", r.Prefix, r.counter, r.ext()))
	r.counter++
	return fn, nil
}

// scan returns the highest sequence number in dn with this prefix and
// extension, or -1
func (r *Recorder) scan(dn string) int {
	files, err := os.ReadDir(dn)
	if err != nil {
		return -1
	}
	ext := r.ext()
	count := -1
	for _, file := range files {
		// skip directories, other extensions, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ext) || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ext)
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count
}

// SetRoot changes the root folder, creating it
func (r *Recorder) SetRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	r.mu.Lock()
	r.Root = root
	r.counter = 0
	r.mu.Unlock()
	return nil
}

// GetRoot returns the root folder
func (r *Recorder) GetRoot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root, nil
}

// SetPrefix changes the filename prefix and restarts the counter
func (r *Recorder) SetPrefix(prefix string) error {
	if strings.ContainsAny(prefix, `/\`) {
		return fmt.Errorf("imgrec: prefix %q contains a path separator", prefix)
	}
	r.mu.Lock()
	r.Prefix = prefix
	r.counter = 0
	r.mu.Unlock()
	return nil
}

// GetPrefix returns the filename prefix
func (r *Recorder) GetPrefix() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Prefix, nil
}

// SetEnabled sets Enabled
func (r *Recorder) SetEnabled(b bool) error {
	r.mu.Lock()
	r.Enabled = b
	r.mu.Unlock()
	return nil
}

// GetEnabled returns Enabled
func (r *Recorder) GetEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled, nil
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled
// to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(h.GetRoot)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(h.SetPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(h.GetPrefix)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(h.SetEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(h.GetEnabled)
}
