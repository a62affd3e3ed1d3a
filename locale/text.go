package locale

import (
	"unicode/utf16"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// IsLeadByte reports whether b starts a double byte character in the
// configured code page.
func (self *State) IsLeadByte(b byte) bool {
	return self.lead[b]
}

func (self *State) step(s []byte, i int) int {
	if self.lead[s[i]] && i+1 < len(s) && s[i+1] != 0 {
		return i + 2
	}
	return i + 1
}

// CharNext returns the index of the character after the one at i. It does
// not move past a terminating NUL or the end of s.
func (self *State) CharNext(s []byte, i int) int {
	if i >= len(s) || s[i] == 0 {
		return i
	}
	return self.step(s, i)
}

// CharPrev returns the index of the character before cur, scanning forward
// from start. It never returns an index below start.
func (self *State) CharPrev(s []byte, start, cur int) int {
	if cur <= start {
		return start
	}
	if cur > len(s) {
		cur = len(s)
	}
	p := start
	for {
		n := self.step(s, p)
		if n >= cur {
			return p
		}
		p = n
	}
}

// Results of Compare, matching CSTR_LESS_THAN, CSTR_EQUAL, CSTR_GREATER_THAN.
const (
	CompareLess    = 1
	CompareEqual   = 2
	CompareGreater = 3
)

// Compare flag bits understood by Compare.
const (
	NormIgnoreCase     = 0x00000001
	NormIgnoreNonSpace = 0x00000002
	NormIgnoreWidth    = 0x00020000
)

// Compare collates two strings in the configured code page using the
// configured locale's collation rules.
func (self *State) Compare(flags uint32, a, b []byte) int {
	wa, err := self.Decode(0, a)
	if err != nil {
		return 0
	}
	wb, err := self.Decode(0, b)
	if err != nil {
		return 0
	}
	c := self.colls.compare(self.tag, flags, string(utf16.Decode(wa)), string(utf16.Decode(wb)))
	switch {
	case c < 0:
		return CompareLess
	case c > 0:
		return CompareGreater
	}
	return CompareEqual
}

func (self *collators) compare(tag language.Tag, flags uint32, a, b string) int {
	key := flags & (NormIgnoreCase | NormIgnoreNonSpace | NormIgnoreWidth)

	self.mu.Lock()
	defer self.mu.Unlock()
	c, ok := self.m[key]
	if !ok {
		var opts []collate.Option
		if key&NormIgnoreCase != 0 {
			opts = append(opts, collate.IgnoreCase)
		}
		if key&NormIgnoreNonSpace != 0 {
			opts = append(opts, collate.IgnoreDiacritics)
		}
		if key&NormIgnoreWidth != 0 {
			opts = append(opts, collate.IgnoreWidth)
		}
		c = collate.New(tag, opts...)
		self.m[key] = c
	}
	return c.CompareString(a, b)
}
