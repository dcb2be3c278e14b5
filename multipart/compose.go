package multipart

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"github.com/google/uuid"

	"github.com/mjl-/partpull/pio"
)

var (
	ErrMessageSize = errors.New("message too large")
	ErrCompose     = errors.New("compose")
)

// NewBoundary returns a random boundary.
func NewBoundary() string {
	return "----=_Part_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewContentID returns a random identifier for use in a Content-ID header,
// without angle brackets.
func NewContentID() string {
	return uuid.NewString() + "@partpull"
}

// Composer writes a multipart message. Operations that fail call panic, which
// should be caught with recover(), checking for ErrCompose and optionally
// ErrMessageSize. Writes are buffered.
type Composer struct {
	Boundary string
	Size     int64 // Total bytes written.

	bw      *bufio.Writer
	maxSize int64 // If greater than zero, writes beyond maximum size raise ErrMessageSize.
	nparts  int
}

// NewComposer returns a composer writing to w with a new random boundary, and
// with a maximum message size if maxSize is greater than zero.
func NewComposer(w io.Writer, maxSize int64) *Composer {
	return &Composer{Boundary: NewBoundary(), bw: bufio.NewWriter(w), maxSize: maxSize}
}

// Write implements io.Writer, but calls panic (that is handled higher up) on
// i/o errors.
func (c *Composer) Write(buf []byte) (int, error) {
	if c.maxSize > 0 && c.Size+int64(len(buf)) > c.maxSize {
		c.Checkf(ErrMessageSize, "writing message")
	}
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// Checkf checks err, panicing with sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// ContentType returns a Content-Type header value for a multipart message with
// subtype, e.g. "mixed" or "related", and the boundary of the composer.
func (c *Composer) ContentType(subtype string, params map[string]string) string {
	p := map[string]string{"boundary": c.Boundary}
	for k, v := range params {
		p[k] = v
	}
	return mime.FormatMediaType("multipart/"+subtype, p)
}

// Header writes a header line.
func (c *Composer) Header(k, v string) {
	fmt.Fprintf(c, "%s: %s\r\n", k, v)
}

// Line writes an empty line.
func (c *Composer) Line() {
	_, _ = c.Write([]byte("\r\n"))
}

// StartPart writes the boundary starting a new part, the headers and the empty
// line ending the headers. The content must be written next.
func (c *Composer) StartPart(h Header) {
	if c.nparts > 0 {
		c.Line()
	}
	c.nparts++
	fmt.Fprintf(c, "--%s\r\n", c.Boundary)
	for _, f := range h {
		c.Header(f.Name, f.Value)
	}
	c.Line()
}

// Body writes content read from r, encoded with transfer encoding cte, which
// can be "base64", "quoted-printable" or anything else for content that is
// written as is.
func (c *Composer) Body(r io.Reader, cte string) {
	var w io.Writer = c
	var closer io.Closer
	switch strings.ToLower(cte) {
	case "base64":
		bw := pio.Base64Writer(c)
		w, closer = bw, bw
	case "quoted-printable":
		qw := quotedprintable.NewWriter(c)
		w, closer = qw, qw
	}
	_, err := io.Copy(w, r)
	c.Checkf(err, "writing part content")
	if closer != nil {
		err := closer.Close()
		c.Checkf(err, "finishing part content")
	}
}

// Part writes a part with headers h and content from r, encoded according to
// the Content-Transfer-Encoding in h.
func (c *Composer) Part(h Header, r io.Reader) {
	c.StartPart(h)
	c.Body(r, h.Get("Content-Transfer-Encoding"))
}

// Close writes the closing boundary and flushes the output.
func (c *Composer) Close() {
	if c.nparts > 0 {
		c.Line()
	}
	fmt.Fprintf(c, "--%s--\r\n", c.Boundary)
	c.Flush()
}

// TextPart prepares text for a part. Text should contain lines terminated with
// newlines (lf), which are replaced with crlf. The returned ct and cte are for
// use with Content-Type and Content-Transfer-Encoding headers, Part applies the
// encoding.
func TextPart(text string) (textBody []byte, ct, cte string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	text = strings.ReplaceAll(text, "\n", "\r\n")
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	if NeedsQuotedPrintable(text) {
		cte = "quoted-printable"
	} else if charset == "utf-8" {
		cte = "8bit"
	} else {
		cte = "7bit"
	}

	ct = mime.FormatMediaType("text/plain", map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

// NeedsQuotedPrintable returns whether text, with crlf-separated lines, should be
// encoded with quoted-printable, based on line length and any bare carriage
// return or bare newline. If not, it can be included as 7bit or 8bit encoding in a
// new message.
func NeedsQuotedPrintable(text string) bool {
	for _, line := range strings.Split(text, "\r\n") {
		if len(line) > 78 || strings.Contains(line, "\r") || strings.Contains(line, "\n") {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
