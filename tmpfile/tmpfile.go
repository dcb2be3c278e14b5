// Package tmpfile manages temporary files that back content too large to keep
// in memory.
//
// A File has a write cursor: each Write appends at the cursor and returns the
// offset it was written at, so callers can refer to the data by offset and
// length. Reads are independent of the cursor.
//
// Callers are expected to Close each File, which removes it. Files that become
// unreachable without being closed are removed by Registry.Sweep, which is also
// called each time a new file is created. A Journal can additionally record
// created files on disk, for removing files left behind by a process that did
// not exit cleanly.
package tmpfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/pio"
)

var xlog = mlog.New("tmpfile", nil)

// ErrClosed is returned for operations on a closed File.
var ErrClosed = errors.New("temporary file is closed")

// File is a temporary file with a write cursor. Methods are safe for concurrent
// use.
type File struct {
	reg   *Registry
	entry *entry

	sync.Mutex
	path    string
	f       *os.File
	wpos    int64 // Offset of next write.
	closed  bool
	renamed bool // After Rename, the file is no longer removed on Close.
}

// Name returns the current path of the file.
func (f *File) Name() string {
	f.Lock()
	defer f.Unlock()
	return f.path
}

// Size returns the number of bytes written.
func (f *File) Size() int64 {
	f.Lock()
	defer f.Unlock()
	return f.wpos
}

// Renamed returns whether the file was moved with Rename, and is no longer
// removed on Close.
func (f *File) Renamed() bool {
	f.Lock()
	defer f.Unlock()
	return f.renamed
}

// Write writes buf at the write cursor, advances the cursor, and returns the
// offset buf was written at.
func (f *File) Write(buf []byte) (int64, error) {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	off := f.wpos
	n, err := f.f.WriteAt(buf, off)
	f.wpos += int64(n)
	if err != nil {
		return off, fmt.Errorf("write to temporary file: %w", err)
	}
	metrics.OverflowBytes.Add(float64(n))
	return off, nil
}

// ReadAt reads from the file at offset off, independent of the write cursor.
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	return f.f.ReadAt(buf, off)
}

// Close closes the file and removes it, unless it was renamed. Close can be
// called multiple times, only the first call has an effect.
func (f *File) Close() error {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.f.Close()
	if !f.renamed {
		if rerr := os.Remove(f.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
		metrics.TempFiles.WithLabelValues("remove").Inc()
		f.reg.forget(xlog, f.entry)
	}
	return err
}

// Rename closes the file, moves it to dst and reopens it at dst. Further reads
// and writes use the new path. Rename falls back to copying when dst is on
// another file system. After Rename, the file is no longer temporary and Close
// does not remove it.
func (f *File) Rename(log mlog.Log, dst string) error {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.renamed {
		return fmt.Errorf("file already renamed to %s", f.path)
	}

	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("sync before rename: %w", err)
	}
	if err := f.move(log, dst); err != nil {
		return err
	}
	f.path = dst
	f.renamed = true
	f.reg.forget(log, f.entry)
	metrics.TempFiles.WithLabelValues("rename").Inc()

	err := pio.SyncDir(log, filepath.Dir(dst))
	log.Check(err, "sync directory after rename", slog.String("dir", filepath.Dir(dst)))
	return nil
}

// move moves the file to dst and replaces f.f with a handle on dst. On failure,
// f.f remains a handle on the original path.
func (f *File) move(log mlog.Log, dst string) error {
	if err := pio.MoveFile(log, dst, f.path); err != nil {
		return fmt.Errorf("moving temporary file: %w", err)
	}
	nf, err := os.OpenFile(dst, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening moved file: %w", err)
	}
	err = f.f.Close()
	log.Check(err, "closing temporary file after move")
	f.f = nf
	return nil
}
