package netbroker

import "unicode/utf8"
import "golang.org/x/text/transform"

// Utf8Sanitizer replaces every invalid UTF-8 byte sequence in a frame
// with the Unicode replacement rune before the frame reaches the JSON
// decoder, so encoding/json only ever sees valid UTF-8. Raw binary on
// the wire is not rejected here: the replaced bytes still reach the
// decoder, which rejects them as invalid JSON unless they sit inside a
// JSON string.
type Utf8Sanitizer struct{}

func (Utf8Sanitizer) Reset() {}

func (Utf8Sanitizer) Transform(dst []byte, src []byte, at_eof bool) (int, int, error) {
	var ndst int
	var nsrc int

	for nsrc < len(src) {
		var r rune
		var size int

		r, size = utf8.DecodeRune(src[nsrc:])
		if r == utf8.RuneError && size <= 1 {
			if !at_eof && nsrc+utf8.UTFMax > len(src) {
				// there might be more bytes of this rune still to arrive
				return ndst, nsrc, transform.ErrShortSrc
			}
			if ndst+3 > len(dst) { return ndst, nsrc, transform.ErrShortDst }
			ndst += copy(dst[ndst:], "�")
			if size == 0 { size = 1 }
			nsrc += size
			continue
		}

		if ndst+size > len(dst) { return ndst, nsrc, transform.ErrShortDst }
		ndst += copy(dst[ndst:], src[nsrc:nsrc+size])
		nsrc += size
	}

	return ndst, nsrc, nil
}
