package locale

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// DefaultCharset is the GDI DEFAULT_CHARSET value.
const DefaultCharset = 1

// SentinelCodePage is the first code page value the conversion hooks treat
// as "use the configured code page".
const SentinelCodePage = 0xfde8

var charsets = map[uint32]uint8{
	932:  128,
	936:  134,
	949:  129,
	950:  136,
	1252: 0,
	1251: 204,
	1250: 238,
	1253: 161,
	1254: 162,
	1255: 177,
	1256: 178,
	874:  222,
	1258: 163,
}

// Detector is an external code page to charset classifier. Any error makes
// the caller fall back to the static table.
type Detector interface {
	Charset(codePage uint32) (uint8, error)
}

// StaticCharset classifies from the built in table.
func StaticCharset(codePage uint32) uint8 {
	if c, ok := charsets[codePage]; ok {
		return c
	}
	return DefaultCharset
}

// Classify asks det first and falls back to the table.
func Classify(codePage uint32, det Detector) uint8 {
	if det != nil {
		if c, err := det.Charset(codePage); err == nil {
			return c
		}
	}
	return StaticCharset(codePage)
}

var encodings = map[uint32]encoding.Encoding{
	437:   charmap.CodePage437,
	850:   charmap.CodePage850,
	852:   charmap.CodePage852,
	866:   charmap.CodePage866,
	874:   charmap.Windows874,
	932:   japanese.ShiftJIS,
	936:   simplifiedchinese.GBK,
	949:   korean.EUCKR,
	950:   traditionalchinese.Big5,
	1250:  charmap.Windows1250,
	1251:  charmap.Windows1251,
	1252:  charmap.Windows1252,
	1253:  charmap.Windows1253,
	1254:  charmap.Windows1254,
	1255:  charmap.Windows1255,
	1256:  charmap.Windows1256,
	1257:  charmap.Windows1257,
	1258:  charmap.Windows1258,
	20866: charmap.KOI8R,
	20932: japanese.EUCJP,
	21866: charmap.KOI8U,
	28591: charmap.ISO8859_1,
	28592: charmap.ISO8859_2,
	28595: charmap.ISO8859_5,
	50220: japanese.ISO2022JP,
	51932: japanese.EUCJP,
	51949: korean.EUCKR,
	54936: simplifiedchinese.GB18030,
	65001: unicode.UTF8,
}

// Encoding returns the text encoding implementing codePage.
func Encoding(codePage uint32) (encoding.Encoding, bool) {
	e, ok := encodings[codePage]
	return e, ok
}

type byteRange struct{ lo, hi byte }

var leadRanges = map[uint32][]byteRange{
	932:   {{0x81, 0x9f}, {0xe0, 0xfc}},
	936:   {{0x81, 0xfe}},
	949:   {{0x81, 0xfe}},
	950:   {{0x81, 0xfe}},
	54936: {{0x81, 0xfe}},
}

// CPInfo mirrors the Win32 CPINFO structure.
type CPInfo struct {
	MaxCharSize uint32
	DefaultChar [2]byte
	LeadByte    [12]byte
}

func cpInfo(codePage uint32) CPInfo {
	info := CPInfo{MaxCharSize: 1, DefaultChar: [2]byte{'?', 0}}
	if codePage == 65001 {
		info.MaxCharSize = 4
		return info
	}
	ranges := leadRanges[codePage]
	if len(ranges) == 0 {
		return info
	}
	info.MaxCharSize = 2
	for i, r := range ranges {
		if 2*i+1 >= len(info.LeadByte)-2 {
			break
		}
		info.LeadByte[2*i] = r.lo
		info.LeadByte[2*i+1] = r.hi
	}
	return info
}

func leadTable(codePage uint32) (t [256]bool) {
	for _, r := range leadRanges[codePage] {
		for b := int(r.lo); b <= int(r.hi); b++ {
			t[b] = true
		}
	}
	return
}
