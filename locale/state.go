// Package locale holds the process wide locale configuration the agent
// installs and the semantics of every replacement routine that reads it.
package locale

import (
	"fmt"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/encoding"
	"golang.org/x/text/language"

	"github.com/carbonblack/lea/channel"
)

// State is built once from the injection config and never mutated. Every
// replacement routine reads it through a shared pointer.
type State struct {
	CodePage     uint32
	LocaleID     uint32
	TimezoneBias int32
	Charset      uint8
	Flags        uint32

	enc   encoding.Encoding
	lead  [256]bool
	info  CPInfo
	tag   language.Tag
	colls *collators
}

// New derives the state for cfg. det may be nil.
func New(cfg channel.Config, det Detector) *State {
	cp := cfg.CodePage
	if cp == 0 {
		cp = channel.DefaultCodePage
	}
	lcid := cfg.LocaleID
	if lcid == 0 {
		lcid = channel.DefaultLocaleID
	}
	s := &State{
		CodePage:     cp,
		LocaleID:     lcid,
		TimezoneBias: cfg.TimezoneOffset,
		Charset:      Classify(cp, det),
		Flags:        cfg.Flags & channel.FlagMask,
		lead:         leadTable(cp),
		info:         cpInfo(cp),
		tag:          Tag(lcid),
		colls:        &collators{m: make(map[uint32]*collate.Collator)},
	}
	if e, ok := Encoding(cp); ok {
		s.enc = e
	}
	return s
}

func (self *State) String() string {
	return fmt.Sprintf("cp=%d lcid=%d bias=%d charset=%d", self.CodePage, self.LocaleID, self.TimezoneBias, self.Charset)
}

// ACP is the ANSI code page reported to the target.
func (self *State) ACP() uint32 { return self.CodePage }

// OEMCP reports the same code page as ACP.
func (self *State) OEMCP() uint32 { return self.CodePage }

func (self *State) LCID() uint32 { return self.LocaleID }

// LangID is the language half of the locale id.
func (self *State) LangID() uint16 { return uint16(self.LocaleID & 0xffff) }

// ResolveCodePage maps the system default aliases (CP_ACP, CP_OEMCP,
// CP_MACCP, CP_THREAD_ACP) and the sentinel range to the configured code page.
func (self *State) ResolveCodePage(cp uint32) uint32 {
	if cp <= 3 || cp >= SentinelCodePage {
		return self.CodePage
	}
	return cp
}

// CPInfo describes cp after resolution.
func (self *State) CPInfo(cp uint32) CPInfo {
	cp = self.ResolveCodePage(cp)
	if cp == self.CodePage {
		return self.info
	}
	return cpInfo(cp)
}

var lcidTags = map[uint32]string{
	1025: "ar-SA",
	1028: "zh-TW",
	1029: "cs-CZ",
	1031: "de-DE",
	1032: "el-GR",
	1033: "en-US",
	1034: "es-ES",
	1036: "fr-FR",
	1037: "he-IL",
	1038: "hu-HU",
	1040: "it-IT",
	1041: "ja-JP",
	1042: "ko-KR",
	1045: "pl-PL",
	1049: "ru-RU",
	1054: "th-TH",
	1055: "tr-TR",
	1058: "uk-UA",
	1066: "vi-VN",
	2052: "zh-CN",
	2057: "en-GB",
	3076: "zh-HK",
	3082: "es-ES",
	4100: "zh-SG",
}

// Tag maps a Windows locale id to a BCP 47 tag, Und when unknown.
func Tag(lcid uint32) language.Tag {
	if s, ok := lcidTags[lcid]; ok {
		return language.Make(s)
	}
	return language.Und
}

// collators caches one collator per option set. collate.Collator is not
// safe for concurrent use, so access is serialized.
type collators struct {
	mu sync.Mutex
	m  map[uint32]*collate.Collator
}
