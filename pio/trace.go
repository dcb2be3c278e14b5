package pio

import (
	"io"
	"log/slog"

	"github.com/mjl-/partpull/mlog"
)

// TraceReader logs all data read through it at trace level.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r}
}

// Read does a single Read on its underlying reader, logs data of successful
// reads, and returns the data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.prefix, slog.String("data", string(buf[:n])))
	}
	return n, err
}

// Close closes the underlying reader if it is an io.Closer.
func (r *TraceReader) Close() error {
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
