package pio

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/partpull/mlog"
)

// MoveFile renames src to dst. If renaming fails, e.g. because dst is on another
// file system, src is copied to dst with CopyFile and removed. An existing dst is
// replaced.
func MoveFile(log mlog.Log, dst, src string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// Copying would fail too, either src or the dst directory does not exist.
		return err
	}
	log.Debugx("rename failed, copying file instead", err, slog.String("src", src), slog.String("dst", dst))
	if err := CopyFile(log, dst, src); err != nil {
		return err
	}
	err = os.Remove(src)
	log.Check(err, "removing source file after copy", slog.String("path", src))
	return nil
}

// CopyFile copies src to dst, replacing an existing dst. Data is written to a
// temporary file in the directory of dst, synced and renamed into place, so dst
// is either the old file or a complete copy. The directory is synced.
func CopyFile(log mlog.Log, dst, src string) (rerr error) {
	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing copied source file")
	}()

	dir := filepath.Dir(dst)
	df, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	tmp := df.Name()
	defer func() {
		if df != nil {
			err := df.Close()
			log.Check(err, "closing partial destination file", slog.String("path", tmp))
		}
		if rerr != nil {
			err := os.Remove(tmp)
			log.Check(err, "removing partial destination file", slog.String("path", tmp))
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	err = df.Close()
	df = nil
	if err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	err = SyncDir(log, dir)
	log.Check(err, "sync directory after copy", slog.String("dir", dir))
	return nil
}
