package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mjl-/sconf"

	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/multipart"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "partpull.conf")
	if err := os.WriteFile(p, []byte(s), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestParseFile(t *testing.T) {
	p := writeConfig(t, `LogLevel: debug
PackageLogLevels:
	tmpfile: trace
TempDir: tmp
MemoryThreshold: -1
MaxSize: 1000
Journal: /var/lib/partpull/journal.db
`)
	c, errs := ParseFile(p)
	if len(errs) != 0 {
		t.Fatalf("parse: %v", errs)
	}
	dir := filepath.Dir(p)
	tcompare(t, c.TempDir, filepath.Join(dir, "tmp"))
	tcompare(t, c.Journal, "/var/lib/partpull/journal.db")
	tcompare(t, c.Log, map[string]slog.Level{"": slog.LevelDebug, "tmpfile": mlog.LevelTrace})

	mc := c.Multipart(nil)
	tcompare(t, mc.ChunkSize, multipart.DefaultChunkSize)
	tcompare(t, mc.MemoryThreshold, int64(-1))
	tcompare(t, mc.MaxSize, int64(1000))
	tcompare(t, mc.TempDir, filepath.Join(dir, "tmp"))
}

func TestParseFileErrors(t *testing.T) {
	p := writeConfig(t, "LogLevel: loud\nPackageLogLevels:\n\tmultipart: quiet\nChunkSize: -1\n")
	_, errs := ParseFile(p)
	tcompare(t, len(errs), 3)

	p = writeConfig(t, "Bogus: 1\n")
	_, errs = ParseFile(p)
	tcompare(t, len(errs), 1)

	_, errs = ParseFile(filepath.Join(t.TempDir(), "absent.conf"))
	tcompare(t, len(errs), 1)
}

func TestDescribe(t *testing.T) {
	var b bytes.Buffer
	err := sconf.Describe(&b, Static{})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, s := range []string{"LogLevel:", "MemoryThreshold:", "Journal:"} {
		if !strings.Contains(b.String(), s) {
			t.Fatalf("description is missing %q", s)
		}
	}
}
