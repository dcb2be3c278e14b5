// Package bmsearch finds a fixed byte pattern in byte slices with the
// Boyer-Moore algorithm.
//
// A Finder is built once for a pattern, typically a multipart boundary, and
// then used for many searches over a sliding window of input. The
// bad-character table only has 128 entries, bytes are looked up by their lower
// 7 bits. Patterns and text with 8-bit bytes are still matched correctly, the
// aliasing can only make shifts smaller.
package bmsearch

// Finder searches for a pattern. A Finder is immutable after New and can be
// used concurrently.
type Finder struct {
	pattern []byte

	// Bad-character shift: index+1 of the last occurrence of each 7-bit character
	// in pattern, 0 if it does not occur.
	badChar [128]int

	// Good-suffix shift for a mismatch at each position of pattern.
	goodSuffix []int
}

// New returns a Finder for pattern. Pattern must not be empty.
func New(pattern []byte) *Finder {
	if len(pattern) == 0 {
		panic("empty pattern")
	}
	f := &Finder{
		pattern:    append([]byte{}, pattern...),
		goodSuffix: make([]int, len(pattern)),
	}
	p := f.pattern
	m := len(p)

	for i, c := range p {
		f.badChar[c&0x7f] = i + 1
	}

next:
	for i := m; i > 0; i-- {
		// j is the start of the suffix being considered, shifted by i.
		j := m - 1
		for ; j >= i; j-- {
			if p[j] != p[j-i] {
				// Earlier, larger shifts already filled in the remaining positions.
				continue next
			}
			f.goodSuffix[j-1] = i
		}
		for j > 0 {
			j--
			f.goodSuffix[j] = i
		}
	}
	f.goodSuffix[m-1] = 1

	return f
}

// Len returns the length of the pattern.
func (f *Finder) Len() int {
	return len(f.pattern)
}

// Pattern returns the pattern. The caller must not modify it.
func (f *Finder) Pattern() []byte {
	return f.pattern
}

// Index returns the offset of the first occurrence of the pattern in text, or
// -1 if it is not present.
func (f *Finder) Index(text []byte) int {
	p := f.pattern
	last := len(text) - len(p)
	off := 0
next:
	for off <= last {
		for j := len(p) - 1; j >= 0; j-- {
			c := text[off+j]
			if c != p[j] {
				off += max(j+1-f.badChar[c&0x7f], f.goodSuffix[j])
				continue next
			}
		}
		return off
	}
	return -1
}
