package multipart

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mjl-/partpull/pio"
	"github.com/mjl-/partpull/tmpfile"
)

// segment is a span of part content, in memory if buf is not nil, otherwise in
// the data file of the part at off.
type segment struct {
	buf     []byte
	off     int64
	size    int64
	dropped bool // Content was released after being read with ReaderOnce.
}

// content holds the raw content of a part as segments, in order. Content is
// kept in memory until the memory threshold is exceeded, after which all
// segments are moved to a temporary file.
type content struct {
	msg *Message

	sync.Mutex
	segs     []segment
	mem      int64 // Bytes in memory segments.
	file     *tmpfile.File
	complete bool // All content has been added.
	once     bool // ReaderOnce was called, segments are dropped after reading.
	closed   bool
}

// append adds content. Content for a closed part is ignored.
func (c *content) append(buf []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}

	if c.file != nil {
		off, err := c.file.Write(buf)
		if err != nil {
			return &Error{ErrIO, err}
		}
		c.segs = append(c.segs, segment{off: off, size: int64(len(buf))})
		return nil
	}

	n := int64(len(buf))
	c.segs = append(c.segs, segment{buf: buf, size: n})
	c.mem += n
	total := c.msg.inMemory.Add(n)
	if t := c.msg.cfg.MemoryThreshold; t >= 0 && (c.mem > t || total > t) {
		return c.overflow()
	}
	return nil
}

// overflow moves the memory segments to a new temporary file. Must be called
// with c locked.
func (c *content) overflow() error {
	m := c.msg
	f, err := m.cfg.registry().Create(m.log, m.cfg.TempDir, "partpull-*.part")
	if err != nil {
		return &Error{ErrIO, err}
	}
	offsets := make([]int64, len(c.segs))
	for i, s := range c.segs {
		if s.buf == nil {
			continue
		}
		off, err := f.Write(s.buf)
		if err != nil {
			xerr := f.Close()
			m.log.Check(xerr, "closing temporary file after write error")
			return &Error{ErrIO, err}
		}
		offsets[i] = off
	}
	for i, s := range c.segs {
		if s.buf != nil {
			c.segs[i] = segment{off: offsets[i], size: s.size}
		}
	}
	m.inMemory.Add(-c.mem)
	m.log.Debug("part content moved to temporary file", slog.String("path", f.Name()), slog.Int64("size", c.mem))
	c.mem = 0
	c.file = f
	return nil
}

func (c *content) finish() {
	c.Lock()
	defer c.Unlock()
	c.complete = true
}

func (c *content) isComplete() bool {
	c.Lock()
	defer c.Unlock()
	return c.complete
}

// reader returns a reader for the raw content of part p. If once is set,
// content is released after reading, and later calls fail.
func (c *content) reader(p *Part, once bool) (io.Reader, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, &Error{ErrClosed, fmt.Errorf("part is closed")}
	} else if c.once {
		return nil, &Error{ErrClosed, fmt.Errorf("part content was read with ReaderOnce")}
	}
	if once {
		c.once = true
	}
	return &contentReader{p: p, once: once}, nil
}

// drop releases segment i. Must be called with c locked.
func (c *content) drop(i int) {
	s := &c.segs[i]
	if s.buf != nil {
		c.mem -= s.size
		c.msg.inMemory.Add(-s.size)
	}
	*s = segment{size: s.size, dropped: true}
}

// read reads from the segment at the position of r. If no data is available
// yet and the part is not complete, wait is set.
func (c *content) read(r *contentReader, buf []byte) (n int, wait bool, err error) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, false, &Error{ErrClosed, fmt.Errorf("part is closed")}
	}
	if r.seg >= len(c.segs) {
		if !c.complete {
			return 0, true, nil
		}
		if r.once && c.file != nil {
			// All content was read, the file is no longer needed.
			err := c.file.Close()
			c.msg.log.Check(err, "closing temporary file after reading once")
			c.file = nil
		}
		return 0, false, io.EOF
	}

	s := c.segs[r.seg]
	if s.dropped {
		return 0, false, &Error{ErrClosed, fmt.Errorf("part content was read with ReaderOnce")}
	}
	want := min(int64(len(buf)), s.size-r.off)
	if s.buf != nil {
		n = copy(buf[:want], s.buf[r.off:])
	} else {
		n, err = c.file.ReadAt(buf[:want], s.off+r.off)
		if err == io.EOF && int64(n) == want {
			err = nil
		} else if err == nil && int64(n) < want {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return n, false, &Error{ErrIO, fmt.Errorf("reading part content from temporary file: %w", err)}
		}
	}
	r.off += int64(n)
	if r.off == s.size {
		if r.once {
			c.drop(r.seg)
		}
		r.seg++
		r.off = 0
	}
	return n, false, nil
}

// contentReader reads the content of a part, driving the parser while the part
// is incomplete.
type contentReader struct {
	p    *Part
	seg  int   // Index of current segment.
	off  int64 // Offset in current segment.
	once bool
}

func (r *contentReader) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, wait, err := r.p.content.read(r, buf)
		if !wait {
			return n, err
		}
		more, err := r.p.msg.MakeProgress()
		if err != nil {
			return 0, err
		} else if !more {
			return 0, io.ErrUnexpectedEOF
		}
	}
}

// moveTo writes the content to path. If the content is in a temporary file, the
// file is moved.
func (c *content) moveTo(path string) error {
	c.Lock()
	defer c.Unlock()

	log := c.msg.log
	if c.closed {
		return &Error{ErrClosed, fmt.Errorf("part is closed")}
	} else if c.once {
		return &Error{ErrClosed, fmt.Errorf("part content was read with ReaderOnce")}
	}

	if c.file != nil {
		var err error
		if c.file.Renamed() {
			err = pio.CopyFile(log, path, c.file.Name())
		} else {
			err = c.file.Rename(log, path)
		}
		if err != nil {
			return &Error{ErrIO, err}
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return &Error{ErrIO, err}
	}
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing file after error")
		}
	}()
	for _, s := range c.segs {
		if _, err := f.Write(s.buf); err != nil {
			return &Error{ErrIO, err}
		}
	}
	if err := f.Sync(); err != nil {
		return &Error{ErrIO, err}
	}
	err = f.Close()
	f = nil
	if err != nil {
		return &Error{ErrIO, err}
	}
	err = pio.SyncDir(log, filepath.Dir(path))
	log.Check(err, "sync directory after writing part content", slog.String("path", path))
	return nil
}

// close releases the content, removing the temporary file unless it was moved.
func (c *content) close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.msg.inMemory.Add(-c.mem)
	c.mem = 0
	c.segs = nil
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	if err != nil {
		return &Error{ErrIO, err}
	}
	return nil
}
