package multipart

import (
	"net/textproto"
	"strings"
)

// HeaderField is a single header line, with continuation lines merged.
type HeaderField struct {
	Name  string
	Value string
}

// Header holds the header fields of a part, in the order they appeared. Lookups
// are case-insensitive and a name can occur multiple times.
type Header []HeaderField

// Get returns the value of the first field with name, or the empty string.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns the values of all fields with name, in order. Nil is returned
// if there are no such fields.
func (h Header) Values(name string) []string {
	var l []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			l = append(l, f.Value)
		}
	}
	return l
}

// All returns a copy of all fields.
func (h Header) All() []HeaderField {
	return append([]HeaderField(nil), h...)
}

// MIMEHeader returns the fields as textproto.MIMEHeader, with canonicalized
// names.
func (h Header) MIMEHeader() textproto.MIMEHeader {
	mh := textproto.MIMEHeader{}
	for _, f := range h {
		mh.Add(f.Name, f.Value)
	}
	return mh
}

// preserveFolding reports whether continuation lines of header name are kept
// with their line ending and leading whitespace, instead of being joined with a
// single space.
func preserveFolding(name string) bool {
	return strings.EqualFold(name, "Content-Description")
}

// addLine adds a header line, without line ending, to h. Continuation lines are
// merged into the previous field, continuation lines without a previous field
// and lines without a colon are ignored. The returned bool indicates whether
// the line was used.
func (h Header) addLine(line, eol string) (Header, bool) {
	if line != "" && (line[0] == ' ' || line[0] == '\t') {
		if len(h) == 0 {
			return h, false
		}
		f := &h[len(h)-1]
		if preserveFolding(f.Name) {
			f.Value += eol + strings.TrimRight(line, " \t")
		} else if s := strings.Trim(line, " \t"); s != "" {
			if f.Value == "" {
				f.Value = s
			} else {
				f.Value += " " + s
			}
		}
		return h, true
	}
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimRight(name, " \t")
	if !ok || name == "" {
		return h, false
	}
	return append(h, HeaderField{name, strings.Trim(value, " \t")}), true
}
