package locale

import (
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// ErrUnsupportedCodePage is returned for code pages with no known encoding.
var ErrUnsupportedCodePage = errors.New("unsupported code page")

func (self *State) encodingFor(cp uint32) (encoding.Encoding, error) {
	cp = self.ResolveCodePage(cp)
	if cp == self.CodePage {
		if self.enc == nil {
			return charmap.Windows1252, nil
		}
		return self.enc, nil
	}
	if e, ok := Encoding(cp); ok {
		return e, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedCodePage, "%d", cp)
}

// Decode converts multi-byte text in cp to UTF-16. Invalid sequences become
// U+FFFD.
func (self *State) Decode(cp uint32, src []byte) ([]uint16, error) {
	e, err := self.encodingFor(cp)
	if err != nil {
		return nil, err
	}
	out, err := e.NewDecoder().Bytes(src)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return utf16.Encode([]rune(string(out))), nil
}

// Encode converts UTF-16 text to cp. Characters with no mapping become the
// code page's default character and usedDefault is set.
func (self *State) Encode(cp uint32, src []uint16) (out []byte, usedDefault bool, err error) {
	e, err := self.encodingFor(cp)
	if err != nil {
		return nil, false, err
	}
	def := self.CPInfo(cp).DefaultChar[0]
	enc := e.NewEncoder()
	out = make([]byte, 0, len(src))
	var one [utf8.UTFMax]byte
	for _, r := range utf16.Decode(src) {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		n := utf8.EncodeRune(one[:], r)
		b, err := enc.Bytes(one[:n])
		if err != nil || len(b) == 0 {
			out = append(out, def)
			usedDefault = true
			enc.Reset()
			continue
		}
		out = append(out, b...)
	}
	return out, usedDefault, nil
}

// UnicodeToMultiByteN converts src into dst in the configured code page and
// returns the byte count written. Output that does not fit is truncated on a
// character boundary.
func (self *State) UnicodeToMultiByteN(dst []byte, src []uint16) int {
	out, _, err := self.Encode(0, src)
	if err != nil {
		return 0
	}
	if len(out) <= len(dst) {
		return copy(dst, out)
	}
	n := 0
	for n < len(dst) {
		step := 1
		if self.IsLeadByte(out[n]) {
			step = 2
		}
		if n+step > len(dst) {
			break
		}
		n += step
	}
	return copy(dst, out[:n])
}

// MultiByteToUnicodeN converts src from the configured code page into dst
// and returns the UTF-16 unit count written.
func (self *State) MultiByteToUnicodeN(dst []uint16, src []byte) int {
	out, err := self.Decode(0, src)
	if err != nil {
		return 0
	}
	return copy(dst, out)
}
