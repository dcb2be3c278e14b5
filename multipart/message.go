package multipart

import (
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
)

// Message gives access to the parts of a multipart message, by position or by
// identifier (Content-ID). Parts are parsed on demand: requesting a part that
// has not been seen yet returns a part that is filled in when reading it drives
// the parser far enough.
//
// Methods are safe for concurrent use. Parsing is serialized.
type Message struct {
	log    mlog.Log
	cfg    Config
	parser *Parser

	// Held while pulling an event from the parser and processing it. Also protects
	// current and index.
	progress sync.Mutex
	current  *Part
	index    int // Position of the part being parsed.

	// Protects the fields below and the identity fields of parts.
	sync.Mutex
	byIndex map[int]*Part
	byID    map[string]*Part
	nparts  int  // Parts completely parsed.
	parsed  bool // Whether the end of the message was reached.
	closed  bool
	err     error // Fatal error.

	// Bytes of content held in memory for all parts.
	inMemory atomic.Int64
}

// NewMessage returns a message reading from r, with parts separated by
// boundary. See NewParser.
func NewMessage(log *slog.Logger, r io.Reader, boundary string, cfg Config) *Message {
	m := &Message{
		log:     mlog.New("multipart", log),
		cfg:     cfg,
		parser:  NewParser(log, r, boundary, cfg),
		byIndex: map[int]*Part{},
		byID:    map[string]*Part{},
	}
	if cfg.ParseEagerly {
		// Errors are kept in m.err and returned by later calls.
		_, _ = m.Parts()
	}
	return m
}

// normalizeID removes a "cid:" prefix and angle brackets from an identifier.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= 4 && strings.EqualFold(id[:4], "cid:") {
		id = id[4:]
	}
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		id = id[1 : len(id)-1]
	}
	return id
}

// lookupID returns the part registered under id, or under its percent-decoded
// form. Must be called with m locked.
func (m *Message) lookupID(id string) *Part {
	if p := m.byID[id]; p != nil {
		return p
	}
	if s, err := url.PathUnescape(id); err == nil && s != id {
		return m.byID[s]
	}
	return nil
}

// PartIndex returns the part at position i, starting at 0. If parsing has not
// reached that position, a part is returned that is filled in as parsing
// progresses. After the message has been parsed, ErrNoSuchPart is returned for
// positions without a part.
func (m *Message) PartIndex(i int) (*Part, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, &Error{ErrClosed, nil}
	}
	if p := m.byIndex[i]; p != nil {
		return p, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.parsed || i < 0 {
		metrics.ParseErrors.WithLabelValues(reasonLabel(ErrNoSuchPart)).Inc()
		return nil, newError(ErrNoSuchPart, "no part at position %d", i)
	}
	p := newPart(m, i, "")
	m.byIndex[i] = p
	return p, nil
}

// PartID returns the part with identifier id, typically from its Content-ID
// header. A "cid:" prefix and angle brackets are ignored, and id can be
// percent-encoded. Parts without Content-ID have their position as identifier.
// If parsing has not found the part yet, a part is returned that is filled in
// as parsing progresses. After the message has been parsed, ErrNoSuchPart is
// returned for unknown identifiers.
func (m *Message) PartID(id string) (*Part, error) {
	id = normalizeID(id)

	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, &Error{ErrClosed, nil}
	}
	if p := m.lookupID(id); p != nil {
		return p, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.parsed {
		metrics.ParseErrors.WithLabelValues(reasonLabel(ErrNoSuchPart)).Inc()
		return nil, newError(ErrNoSuchPart, "no part with identifier %q", id)
	}
	if s, err := url.PathUnescape(id); err == nil {
		id = s
	}
	p := newPart(m, -1, id)
	m.byID[id] = p
	return p, nil
}

// Parts parses the remainder of the message and returns all parts, in order.
func (m *Message) Parts() ([]*Part, error) {
	for {
		more, err := m.MakeProgress()
		if err != nil {
			return nil, err
		} else if !more {
			break
		}
	}

	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, &Error{ErrClosed, nil}
	}
	l := make([]*Part, m.nparts)
	for i := range l {
		l[i] = m.byIndex[i]
	}
	return l, nil
}

// MakeProgress reads one event from the parser and processes it. It returns
// false when the message has been parsed completely.
func (m *Message) MakeProgress() (bool, error) {
	m.progress.Lock()
	defer m.progress.Unlock()

	m.Lock()
	closed, parsed, err := m.closed, m.parsed, m.err
	m.Unlock()
	if closed {
		return false, &Error{ErrClosed, nil}
	} else if err != nil {
		return false, err
	} else if parsed {
		return false, nil
	}

	ev, err := m.parser.Next()
	if err == nil {
		err = m.handle(ev)
		if err != nil {
			metrics.ParseErrors.WithLabelValues(reasonLabel(err)).Inc()
		}
	}
	if err != nil {
		return false, m.fail(err)
	}
	return true, nil
}

func (m *Message) handle(ev Event) error {
	switch ev.Kind {
	case EventStartMessage, EventStartPart:
	case EventHeaders:
		return m.headers(ev.Header)
	case EventContent:
		return m.current.content.append(ev.Data)
	case EventEndPart:
		m.current.content.finish()
		m.current = nil
		m.index++
		metrics.Parts.Inc()
		m.Lock()
		m.nparts = m.index
		m.Unlock()
	case EventEndMessage:
		m.Lock()
		m.parsed = true
		m.Unlock()
		metrics.Messages.WithLabelValues("ok").Inc()
		m.log.Debug("message parsed", slog.Int("parts", m.index))
	}
	return nil
}

// headers attaches the headers to the part at the current position, creating
// it or reconciling it with parts already requested by position or identifier.
func (m *Message) headers(h Header) error {
	id := normalizeID(h.Get("Content-Id"))
	if id == "" {
		id = strconv.Itoa(m.index)
	}

	m.Lock()
	defer m.Unlock()

	byIndex := m.byIndex[m.index]
	byID := m.lookupID(id)
	if byID != nil && (byID.hasHeader || byID.index >= 0 && byID.index != m.index) {
		// A Content-ID repeated in the stream, or equal to the index of an earlier part
		// without Content-ID.
		return newError(ErrDuplicateIdentity, "part at position %d has identifier %q of part at position %d", m.index, id, byID.index)
	}
	var p *Part
	switch {
	case byIndex == nil && byID == nil:
		p = newPart(m, m.index, id)
		m.byID[id] = p
	case byIndex == nil:
		p = byID
	case byID == nil:
		p = byIndex
		m.byID[id] = p
	case byIndex != byID:
		return newError(ErrDuplicateIdentity, "part at position %d has identifier %q of another part", m.index, id)
	default:
		p = byIndex
	}
	m.byIndex[m.index] = p
	p.index = m.index
	p.id = id
	p.header = h
	p.hasHeader = true
	m.current = p
	return nil
}

// fail marks the message as failed and closes all parts and the parser.
func (m *Message) fail(err error) error {
	xerr := asError(err)
	m.Lock()
	if m.err == nil {
		m.err = xerr
	}
	err = m.err
	parts := m.allParts()
	m.Unlock()

	xerr2 := m.parser.Close()
	m.log.Check(xerr2, "closing parser after error")
	for _, p := range parts {
		xerr2 := p.Close()
		m.log.Check(xerr2, "closing part after error")
	}
	metrics.Messages.WithLabelValues("error").Inc()
	m.log.Debugx("parsing message", err)
	return err
}

// allParts returns each known part once. Must be called with m locked.
func (m *Message) allParts() []*Part {
	seen := map[*Part]bool{}
	var l []*Part
	add := func(p *Part) {
		if !seen[p] {
			seen[p] = true
			l = append(l, p)
		}
	}
	for i := 0; i < m.nparts; i++ {
		if p := m.byIndex[i]; p != nil {
			add(p)
		}
	}
	for _, p := range m.byIndex {
		add(p)
	}
	for _, p := range m.byID {
		add(p)
	}
	return l
}

// Close closes all parts, removing their temporary files, and the parser.
// Close can be called multiple times.
func (m *Message) Close() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	parts := m.allParts()
	m.Unlock()

	for _, p := range parts {
		err := p.Close()
		m.log.Check(err, "closing part")
	}
	err := m.parser.Close()
	m.log.Check(err, "closing parser")
	return nil
}
