package multipart

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCompose(t *testing.T) {
	text := "line one\n" + strings.Repeat("long ", 30) + "\nline three\n"
	binary := make([]byte, 3000)
	for i := range binary {
		binary[i] = byte(i)
	}
	cid := NewContentID()

	var b bytes.Buffer
	c := NewComposer(&b, 0)
	func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			if err, ok := x.(error); ok && errors.Is(err, ErrCompose) {
				t.Fatalf("compose: %v", err)
			}
			panic(x)
		}()

		body, ct, cte := TextPart(text)
		tcompare(t, cte, "quoted-printable")
		c.Part(Header{{"Content-Type", ct}, {"Content-Transfer-Encoding", cte}}, bytes.NewReader(body))
		c.Part(Header{{"Content-Type", "application/octet-stream"}, {"Content-Transfer-Encoding", "base64"}, {"Content-ID", "<" + cid + ">"}}, bytes.NewReader(binary))
		c.Part(Header{{"Content-Type", "text/plain"}}, strings.NewReader("raw"))
		c.Close()
	}()

	tcompare(t, strings.HasPrefix(c.Boundary, "----=_Part_"), true)
	ct := c.ContentType("related", map[string]string{"type": "text/xml"})
	tcompare(t, strings.Contains(ct, c.Boundary), true)

	m := NewMessage(pkglog.Logger, &b, c.Boundary, DefaultConfig())
	defer m.Close()
	parts, err := m.Parts()
	tcheck(t, err, "parts")
	tcompare(t, len(parts), 3)

	tcompare(t, string(readAll(t, parts[0])), strings.ReplaceAll(text, "\n", "\r\n"))
	p, err := m.PartID(cid)
	tcheck(t, err, "part by content-id")
	tcompare(t, readAll(t, p), binary)
	tcompare(t, string(readAll(t, parts[2])), "raw")
}

func TestComposeMaxSize(t *testing.T) {
	var b bytes.Buffer
	c := NewComposer(&b, 10)
	defer func() {
		x := recover()
		err, ok := x.(error)
		if !ok || !errors.Is(err, ErrMessageSize) {
			t.Fatalf("got %v, expected ErrMessageSize", x)
		}
	}()
	c.Part(nil, strings.NewReader(strings.Repeat("x", 100)))
	c.Close()
}

func TestNeedsQuotedPrintable(t *testing.T) {
	tcompare(t, NeedsQuotedPrintable("short\r\nlines\r\n"), false)
	tcompare(t, NeedsQuotedPrintable(strings.Repeat("x", 79)), true)
	tcompare(t, NeedsQuotedPrintable("bare\nnewline"), true)
}
