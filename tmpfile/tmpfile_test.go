package tmpfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mjl-/partpull/mlog"
)

var pkglog = mlog.New("tmpfile", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	f, err := reg.Create(pkglog, filepath.Join(dir, "sub"), "test-*")
	tcheck(t, err, "create")
	tcompare(t, reg.Len(), 1)
	fi, err := os.Stat(f.Name())
	tcheck(t, err, "stat")
	tcompare(t, fi.Mode().Perm(), os.FileMode(0600))

	off, err := f.Write([]byte("hello"))
	tcheck(t, err, "write")
	tcompare(t, off, 0)
	off, err = f.Write([]byte(" world"))
	tcheck(t, err, "write")
	tcompare(t, off, 5)
	tcompare(t, f.Size(), 11)

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 6)
	tcheck(t, err, "readat")
	tcompare(t, string(buf[:n]), "world")

	// Reading past the end.
	_, err = f.ReadAt(buf, 8)
	if err != io.EOF {
		t.Fatalf("got err %v, expected io.EOF", err)
	}

	path := f.Name()
	err = f.Close()
	tcheck(t, err, "close")
	if exists(path) {
		t.Fatalf("file still exists after close")
	}
	tcompare(t, reg.Len(), 0)

	// Second close is a no-op.
	err = f.Close()
	tcheck(t, err, "second close")

	_, err = f.Write([]byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: got %v, expected ErrClosed", err)
	}
	_, err = f.ReadAt(buf, 0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: got %v, expected ErrClosed", err)
	}
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	f, err := reg.Create(pkglog, dir, "test-*")
	tcheck(t, err, "create")
	_, err = f.Write([]byte("content"))
	tcheck(t, err, "write")
	src := f.Name()

	dst := filepath.Join(dir, "kept.bin")
	err = f.Rename(pkglog, dst)
	tcheck(t, err, "rename")
	tcompare(t, f.Name(), dst)
	tcompare(t, reg.Len(), 0)
	if exists(src) {
		t.Fatalf("source still exists after rename")
	}

	// Still usable after rename.
	off, err := f.Write([]byte("!"))
	tcheck(t, err, "write after rename")
	tcompare(t, off, 7)

	err = f.Close()
	tcheck(t, err, "close")
	buf, err := os.ReadFile(dst)
	tcheck(t, err, "read renamed file")
	tcompare(t, string(buf), "content!")

	// Renaming into a missing directory fails and keeps the file usable.
	g, err := reg.Create(pkglog, dir, "test-*")
	tcheck(t, err, "create")
	err = g.Rename(pkglog, filepath.Join(dir, "missing", "x"))
	if err == nil {
		t.Fatalf("rename into missing directory succeeded")
	}
	_, err = g.Write([]byte("x"))
	tcheck(t, err, "write after failed rename")
	gpath := g.Name()
	err = g.Close()
	tcheck(t, err, "close")
	if exists(gpath) {
		t.Fatalf("file still exists after close")
	}
}

func createDropped(t *testing.T, reg *Registry, dir string) string {
	f, err := reg.Create(pkglog, dir, "dropped-*")
	tcheck(t, err, "create")
	_, err = f.Write([]byte("garbage"))
	tcheck(t, err, "write")
	return f.Name()
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	path := createDropped(t, reg, dir)
	kept, err := reg.Create(pkglog, dir, "kept-*")
	tcheck(t, err, "create")
	defer kept.Close()

	var n int
	for i := 0; i < 10 && n == 0; i++ {
		runtime.GC()
		n = reg.Sweep(pkglog)
	}
	tcompare(t, n, 1)
	if exists(path) {
		t.Fatalf("dropped file not removed by sweep")
	}
	if !exists(kept.Name()) {
		t.Fatalf("reachable file removed by sweep")
	}
	tcompare(t, reg.Len(), 1)
	runtime.KeepAlive(kept)
}

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	dbpath := filepath.Join(dir, "journal.db")

	// First process, creates two files, closes one, and "crashes".
	j, err := OpenJournal(ctx, pkglog, dbpath)
	tcheck(t, err, "open journal")
	reg := NewRegistry()
	reg.SetJournal(j)
	f1, err := reg.Create(pkglog, dir, "one-*")
	tcheck(t, err, "create")
	f2, err := reg.Create(pkglog, dir, "two-*")
	tcheck(t, err, "create")
	err = f1.Close()
	tcheck(t, err, "close")
	l, err := j.Pending(ctx)
	tcheck(t, err, "pending")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Path, f2.Name())
	tcompare(t, l[0].Session, j.Session())

	// Nothing to recover for our own session.
	n, err := j.Recover(ctx, pkglog)
	tcheck(t, err, "recover")
	tcompare(t, n, 0)
	err = j.Close()
	tcheck(t, err, "close journal")

	// Second process.
	j2, err := OpenJournal(ctx, pkglog, dbpath)
	tcheck(t, err, "reopen journal")
	defer j2.Close()
	n, err = j2.Recover(ctx, pkglog)
	tcheck(t, err, "recover")
	tcompare(t, n, 1)
	if exists(f2.Name()) {
		t.Fatalf("leftover file not removed by recover")
	}
	l, err = j2.Pending(ctx)
	tcheck(t, err, "pending")
	tcompare(t, len(l), 0)
}
