package gadgetbridge

import (
	"unicode/utf8"
)

// ToUTF8 normalizes Gadgetbridge text to UTF-8.
//
// Gadgetbridge sends characters outside ASCII either as a "\xNN" escape or as
// a bare Latin-1 byte. Both are mapped to the matching code point. Input that
// is already valid multi-byte UTF-8 is copied unchanged.
func ToUTF8(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/4)

	for i := 0; i < len(in); {
		c := in[i]

		if c == '\\' && i+3 < len(in) && in[i+1] == 'x' {
			hi, okHi := unhex(in[i+2])
			lo, okLo := unhex(in[i+3])
			if okHi && okLo {
				out = utf8.AppendRune(out, rune(hi<<4|lo))
				i += 4
				continue
			}
		}

		if c < utf8.RuneSelf {
			out = append(out, c)
			i++
			continue
		}

		if r, size := utf8.DecodeRune(in[i:]); r != utf8.RuneError || size > 1 {
			out = append(out, in[i:i+size]...)
			i += size
			continue
		}

		out = utf8.AppendRune(out, rune(c))
		i++
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
