package terminal

import (
	"strings"
	"unicode/utf8"
)

// utf8Decoder turns PTY chunks into valid UTF-8 text. A multi-byte
// character split across two reads is carried over instead of being
// replaced; bytes that can never form a character become U+FFFD.
type utf8Decoder struct {
	pending []byte
}

// Decode returns everything in p that is decodable now. It never holds
// back more than utf8.UTFMax-1 bytes.
func (d *utf8Decoder) Decode(p []byte) string {
	data := p
	if len(d.pending) > 0 {
		data = append(d.pending, p...)
		d.pending = nil
	}

	if cut := incompleteSuffix(data); cut > 0 {
		d.pending = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	return lossy(data)
}

// Flush returns any carried bytes, replaced, and resets the decoder.
func (d *utf8Decoder) Flush() string {
	rest := d.pending
	d.pending = nil
	return lossy(rest)
}

// incompleteSuffix returns the length of a truncated but so far valid
// character at the end of p, or 0.
func incompleteSuffix(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

func lossy(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	var b strings.Builder
	b.Grow(len(p) + 8)
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(utf8.RuneError)
			p = p[1:]
			continue
		}
		b.Write(p[:size])
		p = p[size:]
	}
	return b.String()
}
