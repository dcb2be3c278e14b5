package multipart

import (
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"
)

// Decoder returns a reader with the decoded form of the raw content in r.
type Decoder func(r io.Reader) io.Reader

func identity(r io.Reader) io.Reader {
	return r
}

// Decoders maps lower case Content-Transfer-Encoding values to a decoder.
// Content with an encoding not in Decoders is returned as is. Changes must be
// made before parsing messages.
var Decoders = map[string]Decoder{
	"base64": func(r io.Reader) io.Reader {
		// The base64 decoder skips line endings.
		return base64.NewDecoder(base64.StdEncoding, r)
	},
	"quoted-printable": func(r io.Reader) io.Reader {
		return quotedprintable.NewReader(r)
	},
	"7bit":   identity,
	"8bit":   identity,
	"binary": identity,
}

func newDecoder(cte string, r io.Reader) io.Reader {
	if d, ok := Decoders[strings.ToLower(strings.TrimSpace(cte))]; ok {
		return d(r)
	}
	return r
}
