package pio

import (
	"encoding/base64"
	"io"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// Base64Writer returns a writer that writes data as base64 to w, on CRLF
// terminated lines of at most 76 characters. Close must be called to flush the
// final line.
func Base64Writer(w io.Writer) io.WriteCloser {
	lw := &lineWrapper{w: w, max: 76}
	bw := base64.NewEncoder(base64.StdEncoding, lw)
	return struct {
		io.Writer
		io.Closer
	}{
		Writer: bw,
		Closer: closerFunc(func() error {
			if err := bw.Close(); err != nil {
				return err
			}
			return lw.Close()
		}),
	}
}

type lineWrapper struct {
	w   io.Writer
	max int
	n   int // Written on current line.
}

func (lw *lineWrapper) Write(buf []byte) (int, error) {
	var wrote int
	for len(buf) > 0 {
		n := min(lw.max-lw.n, len(buf))
		nn, err := lw.w.Write(buf[:n])
		wrote += nn
		buf = buf[nn:]
		lw.n += nn
		if err != nil {
			return wrote, err
		}
		if lw.n == lw.max {
			if _, err := lw.w.Write([]byte("\r\n")); err != nil {
				return wrote, err
			}
			lw.n = 0
		}
	}
	return wrote, nil
}

func (lw *lineWrapper) Close() error {
	if lw.n == 0 {
		return nil
	}
	lw.n = 0
	_, err := lw.w.Write([]byte("\r\n"))
	return err
}
