package multipart

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/pio"
)

var pkglog = mlog.New("multipart", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func tfail(t *testing.T, err, expErr error) {
	t.Helper()
	if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
		t.Fatalf("got err %v, expected %v", err, expErr)
	}
}

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// closeReader counts calls to Close.
type closeReader struct {
	io.Reader
	closed int
}

func (r *closeReader) Close() error {
	r.closed++
	return nil
}

// parsed is the result of reading all events.
type parsed struct {
	kinds   []EventKind
	headers []Header
	bodies  [][]byte
	chunks  int
}

// parseEvents reads events until io.EOF or an error, checking the order of
// events along the way.
func parseEvents(t *testing.T, r io.Reader, boundary string, cfg Config) (parsed, error) {
	t.Helper()
	p := NewParser(pkglog.Logger, r, boundary, cfg)
	var res parsed
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return res, nil
		} else if err != nil {
			// Errors are sticky.
			_, err2 := p.Next()
			if err2 != err {
				t.Fatalf("second call after error returned %v, expected %v", err2, err)
			}
			return res, err
		}
		if n := len(res.kinds); ev.Kind != EventContent || n == 0 || res.kinds[n-1] != EventContent {
			res.kinds = append(res.kinds, ev.Kind)
		}
		switch ev.Kind {
		case EventHeaders:
			res.headers = append(res.headers, ev.Header)
			res.bodies = append(res.bodies, []byte{})
		case EventContent:
			if len(ev.Data) == 0 {
				t.Fatalf("empty content event")
			}
			res.chunks++
			i := len(res.bodies) - 1
			res.bodies[i] = append(res.bodies[i], ev.Data...)
		}
	}
}

var (
	SM = EventStartMessage
	SP = EventStartPart
	H  = EventHeaders
	C  = EventContent
	EP = EventEndPart
	EM = EventEndMessage
)

func TestParser(t *testing.T) {
	msg := crlf(`preamble
--XYZ
Content-Type: text/plain

hello
--XYZ
Content-ID: <img1>

world
--XYZ--
epilogue
`)

	check := func(r io.Reader) {
		t.Helper()
		cr := &closeReader{Reader: r}
		res, err := parseEvents(t, cr, "XYZ", DefaultConfig())
		tcheck(t, err, "parse")
		tcompare(t, res.kinds, []EventKind{SM, SP, H, C, EP, SP, H, C, EP, EM})
		tcompare(t, res.headers, []Header{
			{{"Content-Type", "text/plain"}},
			{{"Content-ID", "<img1>"}},
		})
		tcompare(t, res.bodies, [][]byte{[]byte("hello"), []byte("world")})
		tcompare(t, cr.closed, 1)
	}
	check(strings.NewReader(msg))
	check(iotest.OneByteReader(strings.NewReader(msg)))
	check(iotest.HalfReader(strings.NewReader(msg)))
}

func TestParserLines(t *testing.T) {
	// Bare newlines, whitespace after boundaries, empty bodies, no preamble or
	// epilogue.
	msg := "--XYZ \t\nA: 1\n\nx\n--XYZ\t\r\n\r\n--XYZ\n\n\n--XYZ--"
	res, err := parseEvents(t, strings.NewReader(msg), "XYZ", DefaultConfig())
	tcheck(t, err, "parse")
	tcompare(t, res.kinds, []EventKind{SM, SP, H, C, EP, SP, H, EP, SP, H, EP, EM})
	tcompare(t, res.headers, []Header{{{"A", "1"}}, nil, nil})
	tcompare(t, res.bodies, [][]byte{[]byte("x"), {}, {}})
}

func TestParserHeaders(t *testing.T) {
	msg := crlf(`--XYZ
Content-Description: a
  b
X-Folded: c
	 d 
bad line
Content-Type:  text/plain 
content-type: text/html

body
--XYZ--
`)
	res, err := parseEvents(t, strings.NewReader(msg), "XYZ", DefaultConfig())
	tcheck(t, err, "parse")
	h := res.headers[0]
	tcompare(t, h, Header{
		{"Content-Description", "a\r\n  b"},
		{"X-Folded", "c d"},
		{"Content-Type", "text/plain"},
		{"content-type", "text/html"},
	})
	tcompare(t, h.Get("CONTENT-TYPE"), "text/plain")
	tcompare(t, h.Values("Content-Type"), []string{"text/plain", "text/html"})
	tcompare(t, h.Values("Absent"), []string(nil))
	tcompare(t, h.MIMEHeader().Values("X-Folded"), []string{"c d"})
	tcompare(t, string(res.bodies[0]), "body")

	// Header line longer than the window.
	long := strings.Repeat("x", 3000)
	msg = crlf("--XYZ\nX-Long: " + long + "\n\nbody\n--XYZ--\n")
	res, err = parseEvents(t, iotest.OneByteReader(strings.NewReader(msg)), "XYZ", Config{ChunkSize: 1})
	tcheck(t, err, "parse")
	tcompare(t, res.headers[0].Get("X-Long"), long)
	tcompare(t, string(res.bodies[0]), "body")

	// Window does not grow without bound.
	long = strings.Repeat("x", 10000)
	msg = crlf("--XYZ\nX-Long: " + long + "\n\nbody\n--XYZ--\n")
	res, err = parseEvents(t, strings.NewReader(msg), "XYZ", Config{ChunkSize: 1})
	tfail(t, err, ErrUnterminatedPart)
	tcompare(t, res.kinds, []EventKind{SM, SP})
}

func TestParserBoundaryText(t *testing.T) {
	// Boundary text that is not a delimiter is content.
	bodies := []string{
		"a--XYZ",
		"--XY",
		"\r\n--XYZabc",
		"--XYZ x",
		"\r\n--XYZ-x",
		"x\n--XYZ \tq",
		"\n--XYZ-",
	}
	var b strings.Builder
	for _, body := range bodies {
		b.WriteString("--XYZ\r\n\r\n")
		b.WriteString(body)
		b.WriteString("\r\n")
	}
	b.WriteString("--XYZ--\r\n")

	for _, chunk := range []int{1, 10, DefaultChunkSize} {
		res, err := parseEvents(t, iotest.OneByteReader(strings.NewReader(b.String())), "XYZ", Config{ChunkSize: chunk})
		tcheck(t, err, "parse")
		var got []string
		for _, buf := range res.bodies {
			got = append(got, string(buf))
		}
		tcompare(t, got, bodies)
	}
}

func TestParserErrors(t *testing.T) {
	check := func(msg string, expErr error, expKinds []EventKind) {
		t.Helper()
		for _, r := range []io.Reader{strings.NewReader(msg), iotest.OneByteReader(strings.NewReader(msg))} {
			cr := &closeReader{Reader: r}
			res, err := parseEvents(t, cr, "XYZ", DefaultConfig())
			tfail(t, err, expErr)
			var xerr *Error
			if !errors.As(err, &xerr) {
				t.Fatalf("got error %T, expected *Error", err)
			}
			tcompare(t, res.kinds, expKinds)
			tcompare(t, cr.closed, 1)
		}
	}

	check("", ErrMissingStartBoundary, []EventKind{SM})
	check("no boundary\r\n", ErrMissingStartBoundary, []EventKind{SM})
	check("--XYZ", ErrMissingStartBoundary, []EventKind{SM})
	check("--XYZ--\r\n", ErrMissingStartBoundary, []EventKind{SM})
	check("--XYZ\r\n", ErrUnterminatedPart, []EventKind{SM, SP})
	check("--XYZ\r\nA: b\r\n", ErrUnterminatedPart, []EventKind{SM, SP})
	check("--XYZ\r\n\r\nhello\r\n", ErrUnterminatedPart, []EventKind{SM, SP, H})
	check("--XYZ\r\n\r\nhello\r\n--XYZ", ErrUnterminatedPart, []EventKind{SM, SP, H})
	check("--XYZ\r\n\r\nhello\r\n--XYZ\r\n", ErrUnterminatedPart, []EventKind{SM, SP, H, C, EP, SP})
	check("see x--XYZ\r\nA: 1\r\n\r\nbody\r\n--XYZ--\r\n", ErrMissingStartBoundary, []EventKind{SM})
	check("x\r--XYZ-\r\n--XYZ\r\n", ErrUnterminatedPart, []EventKind{SM, SP})

	// Whitespace after a boundary, or a header without line ending, that does not end.
	small := Config{ChunkSize: 1}
	for _, msg := range []string{
		"--XYZ" + strings.Repeat(" ", 10000),
		"--XYZ\r\n\r\nbody\r\n--XYZ" + strings.Repeat("\t", 10000),
		"--XYZ\r\nA: " + strings.Repeat("b", 10000),
	} {
		_, err := parseEvents(t, strings.NewReader(msg), "XYZ", small)
		tfail(t, err, ErrUnterminatedPart)
	}
}

func TestParserPreamble(t *testing.T) {
	// Only a boundary at the start of a line starts the message.
	for _, preamble := range []string{"", "text\r\n", "text\n", "see x--XYZ\r\n", "x--XYZ\r\n--XYZ--\r\n--XYZ x\r\n", "\r"} {
		msg := preamble + "--XYZ\r\nA: 1\r\n\r\nbody\r\n--XYZ--\r\n"
		for _, chunk := range []int{1, DefaultChunkSize} {
			res, err := parseEvents(t, iotest.OneByteReader(strings.NewReader(msg)), "XYZ", Config{ChunkSize: chunk})
			tcheck(t, err, fmt.Sprintf("parse with preamble %q", preamble))
			tcompare(t, res.headers, []Header{{{"A", "1"}}})
			tcompare(t, res.bodies, [][]byte{[]byte("body")})
		}
	}
}

func TestParserClose(t *testing.T) {
	cr := &closeReader{Reader: strings.NewReader("--XYZ\r\n\r\nhello\r\n--XYZ--\r\n")}
	p := NewParser(pkglog.Logger, cr, "XYZ", DefaultConfig())
	ev, err := p.Next()
	tcheck(t, err, "next")
	tcompare(t, ev.Kind, EventStartMessage)
	err = p.Close()
	tcheck(t, err, "close")
	err = p.Close()
	tcheck(t, err, "second close")
	tcompare(t, cr.closed, 1)
	_, err = p.Next()
	tfail(t, err, ErrClosed)
}

func TestParserMaxSize(t *testing.T) {
	msg := "--XYZ\r\n\r\n" + strings.Repeat("x", 100) + "\r\n--XYZ--\r\n"
	_, err := parseEvents(t, strings.NewReader(msg), "XYZ", Config{MaxSize: 50})
	tfail(t, err, pio.ErrLimit)
	tfail(t, err, ErrIO)

	_, err = parseEvents(t, strings.NewReader(msg), "XYZ", Config{MaxSize: int64(len(msg))})
	tcheck(t, err, "parse within limit")
}

// randReader returns reads of random size.
type randReader struct {
	r   io.Reader
	rng *rand.Rand
}

func (r *randReader) Read(buf []byte) (int, error) {
	n := 1 + r.rng.IntN(len(buf))
	return r.r.Read(buf[:min(n, 100)])
}

func TestParserChunking(t *testing.T) {
	// Content made of fragments that look like boundaries. None form a delimiter.
	fragments := []string{"a", "\r\n", "\n", "\r", "-", "--XY", "\r\n--XY", "\r\n--XYZabc", "x--XYZ", "\r\n--XYZ\tq", "\r\n--XYZ-x", "0123456789"}
	rng := rand.New(rand.NewPCG(1, 2))

	var bodies []string
	var msg strings.Builder
	msg.WriteString("preamble --XYZ x\r\n")
	for i := 0; i < 4; i++ {
		var b strings.Builder
		n := rng.IntN(20000)
		for b.Len() < n {
			b.WriteString(fragments[rng.IntN(len(fragments))])
		}
		bodies = append(bodies, b.String())
		fmt.Fprintf(&msg, "--XYZ\r\nContent-ID: <%d>\r\n\r\n%s\r\n", i, b.String())
	}
	msg.WriteString("--XYZ--\r\n")

	readers := map[string]func() io.Reader{
		"full":    func() io.Reader { return strings.NewReader(msg.String()) },
		"onebyte": func() io.Reader { return iotest.OneByteReader(strings.NewReader(msg.String())) },
		"random":  func() io.Reader { return &randReader{strings.NewReader(msg.String()), rand.New(rand.NewPCG(3, 4))} },
	}
	for name, fn := range readers {
		for _, chunk := range []int{1, 7, 100, DefaultChunkSize} {
			res, err := parseEvents(t, fn(), "XYZ", Config{ChunkSize: chunk})
			tcheck(t, err, fmt.Sprintf("parse %s, chunk %d", name, chunk))
			if len(res.bodies) != len(bodies) {
				t.Fatalf("%s, chunk %d: got %d parts, expected %d", name, chunk, len(res.bodies), len(bodies))
			}
			for i, body := range bodies {
				if !bytes.Equal(res.bodies[i], []byte(body)) {
					t.Fatalf("%s, chunk %d: part %d differs, got %d bytes, expected %d", name, chunk, i, len(res.bodies[i]), len(body))
				}
			}
		}
	}
}

func TestEventKindString(t *testing.T) {
	tcompare(t, EventHeaders.String(), "headers")
	tcompare(t, EventKind(100).String(), "event(100)")
}
