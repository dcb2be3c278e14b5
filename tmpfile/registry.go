package tmpfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"weak"

	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
)

// Default is the registry used by parsers that are not given one explicitly.
var Default = NewRegistry()

type entry struct {
	path string
	file weak.Pointer[File]
}

// Registry keeps track of temporary files that have not been closed yet. It
// only holds weak references to files, so files the application drops without
// closing can be garbage collected, after which Sweep removes them from disk.
type Registry struct {
	sync.Mutex
	entries map[*entry]struct{}
	journal *Journal
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[*entry]struct{}{}}
}

// SetJournal makes the registry record created files in j, and remove the
// record when the file is closed, renamed or swept. A nil j stops journaling.
func (r *Registry) SetJournal(j *Journal) {
	r.Lock()
	defer r.Unlock()
	r.journal = j
}

// Create creates a new temporary file in dir, or the system temporary directory
// if dir is empty. Pattern is used as for os.CreateTemp. Unreachable files are
// swept before creating the new file.
func (r *Registry) Create(log mlog.Log, dir, pattern string) (*File, error) {
	r.Sweep(log)

	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ensure temporary directory: %w", err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0600); err != nil {
		xerr := f.Close()
		log.Check(xerr, "closing temporary file after chmod error")
		xerr = os.Remove(name)
		log.Check(xerr, "removing temporary file after chmod error", slog.String("path", name))
		return nil, fmt.Errorf("set permissions on temporary file: %w", err)
	}

	tf := &File{reg: r, path: name, f: f}
	e := &entry{path: name, file: weak.Make(tf)}
	tf.entry = e

	r.Lock()
	r.entries[e] = struct{}{}
	j := r.journal
	r.Unlock()

	if j != nil {
		err := j.add(name)
		log.Check(err, "adding temporary file to journal", slog.String("path", name))
	}
	metrics.TempFiles.WithLabelValues("create").Inc()
	log.Debug("temporary file created", slog.String("path", name))
	return tf, nil
}

// Len returns the number of registered files.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.entries)
}

// Sweep removes files that were garbage collected without being closed. It
// returns the number of files removed. Sweep is safe to call concurrently with
// other operations.
func (r *Registry) Sweep(log mlog.Log) int {
	r.Lock()
	var gone []*entry
	for e := range r.entries {
		if e.file.Value() == nil {
			gone = append(gone, e)
			delete(r.entries, e)
		}
	}
	j := r.journal
	r.Unlock()

	for _, e := range gone {
		err := os.Remove(e.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Errorx("removing unreachable temporary file", err, slog.String("path", e.path))
		} else {
			log.Debug("removed unreachable temporary file", slog.String("path", e.path))
		}
		if j != nil {
			err := j.remove(e.path)
			log.Check(err, "removing swept temporary file from journal", slog.String("path", e.path))
		}
		metrics.TempFiles.WithLabelValues("sweep").Inc()
	}
	return len(gone)
}

// forget unregisters e after its file was closed or renamed.
func (r *Registry) forget(log mlog.Log, e *entry) {
	r.Lock()
	_, ok := r.entries[e]
	delete(r.entries, e)
	j := r.journal
	r.Unlock()

	if ok && j != nil {
		err := j.remove(e.path)
		log.Check(err, "removing temporary file from journal", slog.String("path", e.path))
	}
}
