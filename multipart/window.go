package multipart

import (
	"bytes"
	"errors"
	"io"
)

// Room in the window on top of the read size and the boundary, so typical
// header lines fit without growing the window.
const headerSlack = 1024

// The window grows for long header lines and for whitespace after a boundary,
// up to this factor of its initial size.
const maxGrow = 8

// window holds data read from the source that has not been consumed. Data
// before offset n is valid. The window is refilled until it is full, or the
// source is exhausted.
type window struct {
	src   io.Reader
	buf   []byte // Capacity is len(buf).
	max   int    // Maximum len(buf) for grow.
	n     int
	eof   bool
	onEOF func() // Called once when the source returned io.EOF.
}

func newWindow(src io.Reader, size int, onEOF func()) *window {
	return &window{src: src, buf: make([]byte, size), max: maxGrow * size, onEOF: onEOF}
}

// data returns the valid bytes. Callers must not keep references across calls
// that modify the window.
func (w *window) data() []byte {
	return w.buf[:w.n]
}

func (w *window) full() bool {
	return w.n == len(w.buf)
}

// refill reads from the source until the window is full or the source is
// exhausted.
func (w *window) refill() error {
	for w.n < len(w.buf) && !w.eof {
		n, err := w.src.Read(w.buf[w.n:])
		w.n += n
		if err == io.EOF {
			w.eof = true
			if w.onEOF != nil {
				w.onEOF()
			}
		} else if err != nil {
			return err
		} else if n == 0 {
			return io.ErrNoProgress
		}
	}
	return nil
}

// slice returns the first consumed bytes, and keeps only the last keep bytes
// of the window. The returned slice is the old buffer, a new buffer is
// allocated for the window, so the caller owns the returned data.
func (w *window) slice(consumed, keep int) []byte {
	if consumed+keep > w.n {
		panic("slice beyond window")
	}
	out := w.buf[:consumed:consumed]
	nbuf := make([]byte, len(w.buf))
	copy(nbuf, w.buf[w.n-keep:w.n])
	w.buf = nbuf
	w.n = keep
	return out
}

// skip discards the first n bytes, keeping the remainder in the current
// buffer.
func (w *window) skip(n int) {
	copy(w.buf, w.buf[n:w.n])
	w.n -= n
}

// grow doubles the capacity of the window and refills it. An ErrUnterminatedPart
// error is returned if the window would exceed its maximum size.
func (w *window) grow() error {
	if 2*len(w.buf) > w.max {
		return newError(ErrUnterminatedPart, "no line ending within %d bytes", len(w.buf))
	}
	nbuf := make([]byte, 2*len(w.buf))
	copy(nbuf, w.buf[:w.n])
	w.buf = nbuf
	return w.refill()
}

var errEOF = errors.New("eof")

// line returns the first line in the window, without line ending, and the line
// ending (LF or CRLF). The line is not consumed. The window is refilled and
// grown as needed. errEOF is returned if the source is exhausted before a line
// ending is found.
func (w *window) line() (line []byte, eol string, err error) {
	for {
		if i := bytes.IndexByte(w.buf[:w.n], '\n'); i >= 0 {
			if i > 0 && w.buf[i-1] == '\r' {
				return w.buf[:i-1], "\r\n", nil
			}
			return w.buf[:i], "\n", nil
		}
		if w.eof {
			return nil, "", errEOF
		}
		var err error
		if w.full() {
			err = w.grow()
		} else {
			err = w.refill()
		}
		if err != nil {
			return nil, "", err
		}
	}
}
