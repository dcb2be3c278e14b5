package multipart

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/mjl-/partpull/pio"
)

// Part is a part in a multipart message. Methods block while the parser
// reads up to the information needed, e.g. the headers or the content.
type Part struct {
	msg     *Message
	content *content

	// Protected by msg.Mutex.
	index     int    // -1 if not known yet.
	id        string // Empty if not known yet.
	header    Header
	hasHeader bool
	closed    bool
}

func newPart(m *Message, index int, id string) *Part {
	return &Part{msg: m, content: &content{msg: m}, index: index, id: id}
}

func (p *Part) name() string {
	if p.id != "" {
		return fmt.Sprintf("%q", p.id)
	}
	return fmt.Sprintf("at position %d", p.index)
}

// waitHeader parses the message until the headers of the part have been read.
func (p *Part) waitHeader() (Header, error) {
	m := p.msg
	for {
		m.Lock()
		closed, hasHeader, h, err, name := p.closed, p.hasHeader, p.header, m.err, p.name()
		m.Unlock()

		if closed {
			return nil, &Error{ErrClosed, fmt.Errorf("part is closed")}
		} else if hasHeader {
			return h, nil
		} else if err != nil {
			return nil, err
		}

		more, err := m.MakeProgress()
		if err != nil {
			return nil, err
		} else if !more {
			return nil, newError(ErrNoSuchPart, "part %s not in message", name)
		}
	}
}

// Header returns all headers of the part.
func (p *Part) Header() (Header, error) {
	return p.waitHeader()
}

// HeaderValues returns the values of header name, and whether the header is
// present.
func (p *Part) HeaderValues(name string) ([]string, bool, error) {
	h, err := p.waitHeader()
	if err != nil {
		return nil, false, err
	}
	l := h.Values(name)
	return l, l != nil, nil
}

// Index returns the position of the part in the message, starting at 0.
func (p *Part) Index() (int, error) {
	if _, err := p.waitHeader(); err != nil {
		return -1, err
	}
	p.msg.Lock()
	defer p.msg.Unlock()
	return p.index, nil
}

// ID returns the identifier of the part: the Content-ID without angle
// brackets, or the position of the part if it has no Content-ID.
func (p *Part) ID() (string, error) {
	if _, err := p.waitHeader(); err != nil {
		return "", err
	}
	p.msg.Lock()
	defer p.msg.Unlock()
	return p.id, nil
}

// ContentType returns the Content-Type header, or "application/octet-stream"
// if absent.
func (p *Part) ContentType() (string, error) {
	h, err := p.waitHeader()
	if err != nil {
		return "", err
	}
	if s := h.Get("Content-Type"); s != "" {
		return s, nil
	}
	return "application/octet-stream", nil
}

// TransferEncoding returns the Content-Transfer-Encoding header, or "binary"
// if absent.
func (p *Part) TransferEncoding() (string, error) {
	h, err := p.waitHeader()
	if err != nil {
		return "", err
	}
	if s := h.Get("Content-Transfer-Encoding"); s != "" {
		return s, nil
	}
	return "binary", nil
}

// RawReader returns a reader for the content as it appeared in the message,
// without transfer decoding. The content can be read multiple times.
func (p *Part) RawReader() (io.Reader, error) {
	if _, err := p.waitHeader(); err != nil {
		return nil, err
	}
	return p.content.reader(p, false)
}

// Reader returns a reader for the content, decoded with the decoder for the
// Content-Transfer-Encoding. Reading from the reader parses the message as
// needed. The content can be read multiple times.
func (p *Part) Reader() (io.Reader, error) {
	return p.reader(false)
}

// ReaderOnce is like Reader, but releases content after it has been read,
// including the temporary file. After ReaderOnce, Reader, ReaderOnce and MoveTo
// return ErrClosed.
func (p *Part) ReaderOnce() (io.Reader, error) {
	return p.reader(true)
}

func (p *Part) reader(once bool) (io.Reader, error) {
	cte, err := p.TransferEncoding()
	if err != nil {
		return nil, err
	}
	r, err := p.content.reader(p, once)
	if err != nil {
		return nil, err
	}
	return newDecoder(cte, r), nil
}

// ReaderUTF8OrBinary returns a reader for the decoded content, converted to
// utf-8 if the part has a text content-type with a known charset other than
// us-ascii or utf-8.
func (p *Part) ReaderUTF8OrBinary() (io.Reader, error) {
	ct, err := p.ContentType()
	if err != nil {
		return nil, err
	}
	r, err := p.Reader()
	if err != nil {
		return nil, err
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mt, "text/") {
		return r, nil
	}
	cr, ok := pio.CharsetReader(params["charset"], r)
	if !ok {
		p.msg.log.Debug("unknown charset, returning content as is", slog.String("charset", params["charset"]))
	}
	return cr, nil
}

// MoveTo parses the message until the part is complete, and writes the raw
// content to path. If the content is in a temporary file, the file is renamed
// to path. Later reads of the content read from path. An existing file at path
// is overwritten.
func (p *Part) MoveTo(path string) error {
	if _, err := p.waitHeader(); err != nil {
		return err
	}
	for !p.content.isComplete() {
		more, err := p.msg.MakeProgress()
		if err != nil {
			return err
		} else if !more {
			return newError(ErrUnterminatedPart, "message ended before part was complete")
		}
	}
	return p.content.moveTo(path)
}

// Close releases the content of the part, removing its temporary file if any.
// Close can be called multiple times.
func (p *Part) Close() error {
	m := p.msg
	m.Lock()
	if p.closed {
		m.Unlock()
		return nil
	}
	p.closed = true
	m.Unlock()
	return p.content.close()
}
