/*Package imgrec writes finished exposures to disk as FITS files and
optionally forwards them to a remote archive server.

The Recorder organizes output as <root>/<yyyy-mm-dd>/<prefix><counter>.fits
with a six digit zero padded counter.  The dated folder tracks the wall
clock, so a server left running overnight rolls to a new folder on its own.
*/
package imgrec

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/observatory-tools/goacq/focalplane"
)

// Recorder writes FITS images into dated folders with an incrementing
// filename counter.  It satisfies the exposure Sink interface.  The zero
// value is not usable; use NewRecorder.
type Recorder struct {
	mu sync.Mutex

	counter  int
	timeFldr string

	// Root is the directory the dated folders are made under
	Root string

	// Prefix is prepended to the counter in each filename
	Prefix string

	// Enabled gates writing; when false Write is a no-op
	Enabled bool
}

// NewRecorder returns a Recorder that writes under root with the given
// filename prefix.  Recording starts enabled.
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: true}
}

// updateFolder refreshes the dated subfolder from the wall clock and
// rescans the counter when the date rolled over
func (r *Recorder) updateFolder() {
	fldr := time.Now().Format("2006-01-02")
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = r.scanCounter()
	}
}

// dir is the full path to the current dated folder
func (r *Recorder) dir() string {
	return filepath.Join(r.Root, r.timeFldr)
}

// mkDir creates the dated folder
func (r *Recorder) mkDir() error {
	return os.MkdirAll(r.dir(), 0777)
}

// scanCounter walks the dated folder and returns one more than the
// highest counter already present, so restarts never overwrite
func (r *Recorder) scanCounter() int {
	items, err := ioutil.ReadDir(r.dir())
	if err != nil {
		return 0
	}
	max := -1
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		if !strings.HasPrefix(name, r.Prefix) {
			continue
		}
		numstr := strings.TrimSuffix(strings.TrimPrefix(name, r.Prefix), filepath.Ext(name))
		n, err := strconv.Atoi(numstr)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

// filename is the path for the current counter value
func (r *Recorder) filename() string {
	return filepath.Join(r.dir(), fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
}

// NeedsAssembled reports that the Recorder writes assembled mosaics,
// not raw per-amplifier buffers.
func (r *Recorder) NeedsAssembled() bool { return true }

// NextFile is the path the next Write will use.
func (r *Recorder) NextFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	return r.filename()
}

// Write persists the mosaic as a FITS file and returns the path written.
// The counter only advances after a successful write.  When the Recorder
// is disabled Write returns an empty path and no error.
func (r *Recorder) Write(m *focalplane.Mosaic, g *focalplane.Geometry, cards []fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled {
		return "", nil
	}
	r.updateFolder()
	if err := r.mkDir(); err != nil {
		return "", err
	}
	path := r.filename()
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = writeFITS(f, m, cards)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	r.counter++
	return path, nil
}

// SetRoot changes the output root directory and rescans the counter.
func (r *Recorder) SetRoot(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	r.timeFldr = ""
	r.updateFolder()
}

// RootDir returns the output root directory.
func (r *Recorder) RootDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root
}

// SetPrefix changes the filename prefix and rescans the counter.
func (r *Recorder) SetPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = prefix
	r.timeFldr = ""
	r.updateFolder()
}

// FilePrefix returns the filename prefix.
func (r *Recorder) FilePrefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Prefix
}

// SetEnabled turns recording on or off.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = on
}

// IsEnabled reports whether recording is on.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}
