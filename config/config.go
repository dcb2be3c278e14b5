// Package config holds the definition of the partpull configuration file, in
// sconf format.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/multipart"
	"github.com/mjl-/partpull/tmpfile"
)

// Static is the parsed form of partpull.conf.
type Static struct {
	LogLevel         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace. Trace logs all data read from multipart messages."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. multipart, tmpfile)."`
	TempDir          string            `sconf:"optional" sconf-doc:"Directory for temporary files with part content that does not fit in memory. If empty, the system temporary directory is used. If this is a relative path, it is relative to the directory of the config file."`
	ChunkSize        int               `sconf:"optional" sconf-doc:"Number of bytes read from a message before part content is passed on. Default 8192."`
	MemoryThreshold  int64             `sconf:"optional" sconf-doc:"Number of bytes of part content kept in memory, per part and for a message as a whole, before content is written to a temporary file. Default 1048576. Use -1 to never write temporary files."`
	MaxSize          int64             `sconf:"optional" sconf-doc:"Maximum size in bytes of a message. Reading larger messages fails. If zero, no limit is enforced."`
	Journal          string            `sconf:"optional" sconf-doc:"Database file recording temporary files while they exist, used by 'partpull tmp recover' to remove files left behind by a process that was killed. If empty, temporary files are not recorded. If this is a relative path, it is relative to the directory of the config file."`
	MetricsAddress   string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics while a command runs, e.g. localhost:8010. Overridden by the -metricsaddr flag."`

	Log map[string]slog.Level `sconf:"-" json:"-"` // Parsed from LogLevel and PackageLogLevels.
}

// Default returns the configuration used when no config file is present.
func Default() Static {
	return Static{
		LogLevel: "info",
		Log:      map[string]slog.Level{"": slog.LevelInfo},
	}
}

// ParseFile parses and checks the config file at path.
func ParseFile(path string) (Static, []error) {
	var c Static
	f, err := os.Open(path)
	if err != nil {
		return c, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, []error{fmt.Errorf("parsing %s%v", path, err)}
	}
	return c, c.prepare(filepath.Dir(path))
}

// prepare checks the configuration, resolves relative paths against dir and
// parses log levels.
func (c *Static) prepare(dir string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{"": slog.LevelInfo}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.ChunkSize < 0 {
		addErrorf("chunk size must be >= 0")
	}
	if c.MaxSize < 0 {
		addErrorf("max size must be >= 0")
	}

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.TempDir = abs(c.TempDir)
	c.Journal = abs(c.Journal)
	return errs
}

// Multipart returns the configuration for parsing messages, with temporary files
// registered in reg.
func (c Static) Multipart(reg *tmpfile.Registry) multipart.Config {
	mc := multipart.DefaultConfig()
	if c.ChunkSize > 0 {
		mc.ChunkSize = c.ChunkSize
	}
	if c.MemoryThreshold != 0 {
		mc.MemoryThreshold = c.MemoryThreshold
	}
	mc.TempDir = c.TempDir
	mc.MaxSize = c.MaxSize
	mc.Registry = reg
	return mc
}
