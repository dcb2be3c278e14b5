package pio

import (
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// CharsetReader returns a reader that converts text in charset read from r to
// utf-8. For us-ascii and utf-8, r is returned as is. If the charset is not
// known, r is returned with ok false.
func CharsetReader(charset string, r io.Reader) (cr io.Reader, ok bool) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "us-ascii", "ascii", "utf-8", "utf8":
		return r, true
	}
	for _, index := range []*ianaindex.Index{ianaindex.MIME, ianaindex.IANA} {
		if enc, err := index.Encoding(charset); err == nil && enc != nil {
			return transform.NewReader(r, enc.NewDecoder()), true
		}
	}
	return r, false
}
