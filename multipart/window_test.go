package multipart

import (
	"strings"
	"testing"
	"testing/iotest"
)

func TestWindow(t *testing.T) {
	var closed int
	w := newWindow(iotest.OneByteReader(strings.NewReader("0123456789abcdef")), 4, func() { closed++ })
	err := w.refill()
	tcheck(t, err, "refill")
	tcompare(t, string(w.data()), "0123")
	tcompare(t, w.full(), true)

	// Sliced data is not modified by later window operations.
	out := w.slice(2, 1)
	tcompare(t, string(out), "01")
	tcompare(t, string(w.data()), "3")
	err = w.refill()
	tcheck(t, err, "refill")
	tcompare(t, string(w.data()), "3456")
	tcompare(t, string(out), "01")

	w.skip(1)
	tcompare(t, string(w.data()), "456")

	err = w.grow()
	tcheck(t, err, "grow")
	tcompare(t, len(w.buf), 8)
	tcompare(t, string(w.data()), "456789ab")

	err = w.grow()
	tcheck(t, err, "grow")
	tcompare(t, string(w.data()), "456789abcdef")
	tcompare(t, w.eof, true)
	tcompare(t, closed, 1)

	err = w.grow()
	tcheck(t, err, "grow")
	tcompare(t, len(w.buf), 32)
	err = w.grow()
	tfail(t, err, ErrUnterminatedPart)
	tcompare(t, len(w.buf), 32)
}

func TestWindowLine(t *testing.T) {
	w := newWindow(iotest.OneByteReader(strings.NewReader("a: b\r\nlonger line\nlast")), 4, nil)
	line, eol, err := w.line()
	tcheck(t, err, "line")
	tcompare(t, string(line), "a: b")
	tcompare(t, eol, "\r\n")
	w.skip(len(line) + len(eol))

	line, eol, err = w.line()
	tcheck(t, err, "line")
	tcompare(t, string(line), "longer line")
	tcompare(t, eol, "\n")
	w.skip(len(line) + len(eol))

	_, _, err = w.line()
	tfail(t, err, errEOF)
}
