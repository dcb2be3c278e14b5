package multipart

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mjl-/partpull/bmsearch"
	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/pio"
)

type state int

const (
	stateStartMessage state = iota
	stateSkipPreamble
	stateStartPart
	stateHeaders
	stateBody
	stateEndPart
	stateEndMessage
	stateDone
)

// Parser reads a multipart message from a stream, returning one Event per call
// to Next. The boundary separates the parts, it is given without the leading
// dashes. Bytes before the first boundary and after the closing boundary are
// ignored.
//
// A Parser is not safe for concurrent use, except for Close.
type Parser struct {
	log    mlog.Log
	src    io.Reader
	w      *window
	finder *bmsearch.Finder

	state    state
	bol      bool // Whether the window starts at the beginning of a line in a part body.
	terminal bool // Closing boundary seen.
	err      error
	nparts   int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewParser returns a parser that reads from r. If r is an io.Closer, it is
// closed when the message has been read, when a fatal error occurs, or when
// the parser is closed.
func NewParser(log *slog.Logger, r io.Reader, boundary string, cfg Config) *Parser {
	xlog := mlog.New("multipart", log)

	if cfg.MaxSize > 0 {
		r = &pio.LimitReader{R: r, Max: cfg.MaxSize}
	}
	if xlog.Enabled(context.Background(), mlog.LevelTrace) {
		r = pio.NewTraceReader(xlog, "read", r)
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	p := &Parser{
		log:    xlog,
		src:    r,
		finder: bmsearch.New([]byte("--" + boundary)),
	}
	p.w = newWindow(r, chunk+p.finder.Len()+headerSlack, func() { p.closeSource() })
	return p
}

// Next returns the next event. After EventEndMessage, io.EOF is returned.
// Errors are of type *Error and are fatal: the same error is returned for all
// later calls.
func (p *Parser) Next() (Event, error) {
	if p.err != nil {
		return Event{}, p.err
	}
	if p.state == stateDone {
		return Event{}, io.EOF
	}
	if p.closed.Load() {
		p.fail(&Error{ErrClosed, nil})
		return Event{}, p.err
	}
	ev, err := p.next()
	if err != nil {
		p.fail(err)
		return Event{}, p.err
	}
	return ev, nil
}

func (p *Parser) next() (Event, error) {
	for {
		switch p.state {
		case stateStartMessage:
			p.state = stateSkipPreamble
			return Event{Kind: EventStartMessage}, nil

		case stateSkipPreamble:
			if err := p.skipPreamble(); err != nil {
				return Event{}, err
			}
			p.state = stateStartPart

		case stateStartPart:
			p.state = stateHeaders
			return Event{Kind: EventStartPart}, nil

		case stateHeaders:
			h, err := p.headers()
			if err != nil {
				return Event{}, err
			}
			p.state = stateBody
			return Event{Kind: EventHeaders, Header: h}, nil

		case stateBody:
			buf, done, err := p.body()
			if err != nil {
				return Event{}, err
			}
			if done {
				p.state = stateEndPart
			}
			if len(buf) > 0 {
				return Event{Kind: EventContent, Data: buf}, nil
			}

		case stateEndPart:
			p.nparts++
			if p.terminal {
				p.state = stateEndMessage
			} else {
				p.state = stateStartPart
			}
			return Event{Kind: EventEndPart}, nil

		case stateEndMessage:
			p.state = stateDone
			p.closeSource()
			p.log.Debug("multipart message parsed", slog.Int("parts", p.nparts))
			return Event{Kind: EventEndMessage}, nil

		default:
			panic("bad parser state")
		}
	}
}

func (p *Parser) fail(err error) {
	xerr := asError(err)
	p.err = xerr
	p.state = stateDone
	p.closeSource()
	metrics.ParseErrors.WithLabelValues(reasonLabel(xerr)).Inc()
	p.log.Debugx("parsing multipart message", xerr, slog.Int("parts", p.nparts))
}

// Close closes the source if it is an io.Closer and was not closed yet. Later
// calls to Next fail with ErrClosed, unless the message was already parsed.
// Close can be called while another goroutine is in Next, which will then
// typically fail with a read error.
func (p *Parser) Close() error {
	p.closed.Store(true)
	return p.closeSource()
}

func (p *Parser) closeSource() error {
	p.closeOnce.Do(func() {
		if c, ok := p.src.(io.Closer); ok {
			p.closeErr = c.Close()
			p.log.Check(p.closeErr, "closing multipart source")
		}
	})
	return p.closeErr
}

// lwspAfter returns the index of the first byte in buf at or after i that is
// not a space or tab.
func lwspAfter(buf []byte, i int) int {
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t') {
		i++
	}
	return i
}

// skipPreamble discards data up to and including the first boundary line. The
// boundary must start at the beginning of a line.
func (p *Parser) skipPreamble() error {
	w := p.w
	bl := p.finder.Len()
	bol := true // Whether the window starts at the beginning of a line.
	for {
		if err := w.refill(); err != nil {
			return err
		}
		buf := w.data()
		start := p.finder.Index(buf)
		if start < 0 {
			if w.eof {
				return newError(ErrMissingStartBoundary, "boundary %q not found", p.finder.Pattern())
			}
			// Keep what could be the start of a boundary.
			if n := w.n - (bl - 1); n > 0 {
				bol = buf[n-1] == '\n' || buf[n-1] == '\r'
				w.skip(n)
			}
			continue
		}

		if start == 0 && !bol || start > 0 && buf[start-1] != '\n' && buf[start-1] != '\r' {
			// Boundary text in the middle of a line.
			w.skip(start + 1)
			bol = false
			continue
		}

		i := lwspAfter(buf, start+bl)
		switch {
		case i < w.n && buf[i] == '\n':
			w.skip(i + 1)
			return nil
		case i+1 < w.n && buf[i] == '\r' && buf[i+1] == '\n':
			w.skip(i + 2)
			return nil
		case !w.eof && (i == w.n || i+1 == w.n && buf[i] == '\r'):
			// Need more data to see the line ending.
			if start > 0 {
				w.skip(start)
				bol = true
			} else if err := w.grow(); err != nil {
				return err
			}
		default:
			// Boundary text followed by something else, e.g. the closing boundary.
			w.skip(start + 1)
			bol = false
		}
	}
}

// headers reads header lines up to and including the empty line.
func (p *Parser) headers() (Header, error) {
	var h Header
	for {
		line, eol, err := p.w.line()
		if err == errEOF {
			return nil, newError(ErrUnterminatedPart, "end of stream in part headers")
		} else if err != nil {
			return nil, err
		}
		n := len(line) + len(eol)
		if len(line) == 0 {
			p.w.skip(n)
			p.bol = true
			return h, nil
		}
		var ok bool
		h, ok = h.addLine(string(line), eol)
		if !ok {
			p.log.Debug("ignoring malformed header line", slog.String("line", string(line)))
		}
		p.w.skip(n)
	}
}

// emit returns the first n bytes of the window as content.
func (p *Parser) emit(n int) []byte {
	p.bol = false
	return p.w.slice(n, p.w.n-n)
}

// body returns the next chunk of part content, which can be empty. When the
// boundary ending the part was found, done is true and the boundary line is
// consumed.
func (p *Parser) body() (buf []byte, done bool, rerr error) {
	w := p.w
	bl := p.finder.Len()
	for {
		if err := w.refill(); err != nil {
			return nil, false, err
		}
		data := w.data()
		start := p.finder.Index(data)
		if start < 0 {
			if w.eof {
				return nil, false, newError(ErrUnterminatedPart, "end of stream without closing boundary")
			}
			// Keep enough for a line ending and a boundary minus its last byte, they
			// must not end up in content.
			return p.emit(w.n - (bl + 1)), false, nil
		}

		// Content ends before the line ending preceding the boundary.
		chunkLen := start
		switch {
		case start == 0 && p.bol:
		case start > 0 && (data[start-1] == '\n' || data[start-1] == '\r'):
			chunkLen--
			if data[start-1] == '\n' && start > 1 && data[start-2] == '\r' {
				chunkLen--
			}
		default:
			// Boundary text in the middle of a line is content.
			return p.emit(start + 1), false, nil
		}

		end := start + bl
		if end+1 < w.n && data[end] == '-' && data[end+1] == '-' {
			p.terminal = true
			p.bol = false
			return w.slice(chunkLen, 0), true, nil
		}

		i := lwspAfter(data, end)
		var next int
		switch {
		case i < w.n && data[i] == '\n':
			next = i + 1
		case i+1 < w.n && data[i] == '\r' && data[i+1] == '\n':
			next = i + 2
		case i == w.n || i+1 == w.n && (data[i] == '\r' || data[i] == '-'):
			if w.eof {
				return nil, false, newError(ErrUnterminatedPart, "end of stream after boundary")
			}
			// Need more data to see the line ending or closing dashes.
			if chunkLen > 0 {
				return p.emit(chunkLen), false, nil
			}
			if w.full() {
				if err := w.grow(); err != nil {
					return nil, false, err
				}
			}
			continue
		default:
			// Boundary text followed by something else on the same line is content.
			return p.emit(chunkLen + 1), false, nil
		}

		p.bol = false
		if chunkLen == 0 {
			w.skip(next)
			return nil, true, nil
		}
		return w.slice(chunkLen, w.n-next), true, nil
	}
}
