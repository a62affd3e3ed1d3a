package agent

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/carbonblack/lea/locale"
)

// TranslationBlock is the version sub block listing language and code page
// pairs.
const TranslationBlock = `\VarFileInfo\Translation`

const stringFileInfo = `\stringfileinfo\`

func IsTranslationQuery(sub string) bool {
	return strings.EqualFold(sub, TranslationBlock)
}

func IsStringQuery(sub string) bool {
	return len(sub) > len(stringFileInfo) && strings.EqualFold(sub[:len(stringFileInfo)], stringFileInfo)
}

// VersionRedirect makes version queries report the configured locale. The
// first translation pair a program reads is replaced, and string lookups
// built from the replaced pair are sent back to the table of the real one.
type VersionRedirect struct {
	mu        sync.Mutex
	lang      uint16
	cp        uint16
	rewritten bool
	values    map[string][]byte
}

// RewriteTranslation overwrites the first pair of a Translation value in
// place and remembers the pair it replaced.
func (self *VersionRedirect) RewriteTranslation(value []byte, state *locale.State) bool {
	if len(value) < 4 {
		return false
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	self.lang = binary.LittleEndian.Uint16(value)
	self.cp = binary.LittleEndian.Uint16(value[2:])
	self.rewritten = true
	binary.LittleEndian.PutUint16(value, state.LangID())
	binary.LittleEndian.PutUint16(value[2:], uint16(state.CodePage))
	return true
}

// StringQuery maps a `\S...` lookup onto the StringFileInfo table of the
// remembered pair, keeping the last path element. Anything else, or any
// lookup before a Translation was rewritten, passes through.
func (self *VersionRedirect) StringQuery(sub string) string {
	if len(sub) <= 2 || sub[0] != '\\' || sub[1] != 'S' {
		return sub
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.rewritten {
		return sub
	}
	name := sub[strings.LastIndexByte(sub, '\\')+1:]
	return fmt.Sprintf(`\StringFileInfo\%04x%04x\%s`, self.lang, self.cp, name)
}

// Keep holds a converted value for the lifetime of the process so the
// pointer handed to the caller stays valid. One copy is kept per block and
// query.
func (self *VersionRedirect) Keep(block uint64, query string, value []byte) []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.values == nil {
		self.values = make(map[string][]byte)
	}
	key := fmt.Sprintf("%x:%s", block, strings.ToLower(query))
	if v, ok := self.values[key]; ok && string(v) == string(value) {
		return v
	}
	v := append([]byte(nil), value...)
	self.values[key] = v
	return v
}
