package agent

import (
	"github.com/carbonblack/lea/hook"
)

// Item is one catalogued entry point.
type Item struct {
	Module  string
	Symbol  string
	Guarded bool
}

func (self Item) Name() string { return self.Module + "!" + self.Symbol }

// Catalog is every entry point the agent redirects, in install order.
var Catalog = []Item{
	{"ntdll.dll", "RtlUnicodeToMultiByteN", true},
	{"ntdll.dll", "RtlMultiByteToUnicodeN", true},
	{"kernel32.dll", "GetACP", false},
	{"kernel32.dll", "GetOEMCP", false},
	{"kernel32.dll", "GetThreadLocale", false},
	{"kernel32.dll", "GetSystemDefaultUILanguage", false},
	{"kernel32.dll", "GetUserDefaultUILanguage", false},
	{"kernel32.dll", "GetSystemDefaultLCID", false},
	{"kernel32.dll", "GetUserDefaultLCID", false},
	{"kernel32.dll", "GetSystemDefaultLangID", false},
	{"kernel32.dll", "GetUserDefaultLangID", false},
	{"kernel32.dll", "IsDBCSLeadByte", false},
	{"kernel32.dll", "MultiByteToWideChar", false},
	{"kernel32.dll", "WideCharToMultiByte", false},
	{"kernel32.dll", "GetCPInfo", false},
	{"kernel32.dll", "CompareStringA", false},
	{"kernel32.dll", "GetTimeZoneInformation", false},
	{"user32.dll", "CharNextA", false},
	{"user32.dll", "CharPrevA", false},
	{"version.dll", "VerQueryValueA", false},
}

// Bindings maps a catalogued symbol to its replacement address.
type Bindings map[string]uint64

// Entries turns the catalog into a hook table. Symbols without a binding
// stay in the table with a zero replacement and are skipped at install.
func Entries(b Bindings) []hook.Entry {
	out := make([]hook.Entry, 0, len(Catalog))
	for _, it := range Catalog {
		out = append(out, hook.Entry{
			Module:      it.Module,
			Symbol:      it.Symbol,
			Replacement: b[it.Symbol],
			Guarded:     it.Guarded,
		})
	}
	return out
}
