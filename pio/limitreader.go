package pio

import (
	"errors"
	"fmt"
	"io"
)

var ErrLimit = errors.New("input exceeds maximum size") // Returned by LimitReader.

// LimitReader returns an error wrapping ErrLimit once more than Max bytes have
// been read from R. Unlike io.LimitReader, oversized input is an error instead
// of a silent EOF.
type LimitReader struct {
	R   io.Reader
	Max int64
	N   int64 // Bytes read so far.
}

func (r *LimitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	r.N += int64(n)
	if r.N > r.Max {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrLimit, r.Max)
	}
	return n, err
}

// Close closes R if it is an io.Closer.
func (r *LimitReader) Close() error {
	if c, ok := r.R.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
