package launch

import (
	"strings"

	"github.com/carbonblack/lea/channel"
)

// Overrides are the configuration values given on the command line. Unset
// fields leave the base configuration alone.
type Overrides struct {
	Flags          *uint32
	FlagBits       uint32
	CodePage       *uint32
	LocaleID       *uint32
	TimezoneOffset *int32
	MaxWait        *uint32
	ModuleName     *string
	ModuleType     *uint16
}

// Apply returns c with the overrides applied. Applying twice gives the same
// result as applying once.
func (self Overrides) Apply(c channel.Config) channel.Config {
	if self.Flags != nil {
		c.Flags = *self.Flags
	}
	c.Flags |= self.FlagBits
	if self.CodePage != nil {
		c.CodePage = *self.CodePage
	}
	if self.LocaleID != nil {
		c.LocaleID = *self.LocaleID
	}
	if self.TimezoneOffset != nil {
		c.TimezoneOffset = *self.TimezoneOffset
	}
	if self.MaxWait != nil {
		c.MaxWait = *self.MaxWait
	}
	if self.ModuleName != nil {
		c.ModuleName = *self.ModuleName
	} else if self.ModuleType != nil {
		c.ModuleName = channel.ModuleFileName(*self.ModuleType)
	}
	return c
}

// Request is one parsed launcher invocation.
type Request struct {
	Target      string
	AppArgs     string
	UseDebugger bool
	ShowErrors  bool
	SetWorkDir  bool
	Overrides   Overrides
}

// ParseInt reads an integer the lenient way the launcher always has: an
// optional leading minus, then every decimal digit in s, other characters
// skipped.
func ParseInt(s string) int64 {
	var n int64
	neg := strings.HasPrefix(s, "-")
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n = n*10 + int64(c-'0')
		}
	}
	if neg {
		return -n
	}
	return n
}

// ParseArgs turns the positional launcher arguments into a Request. The
// first argument is the target; each later one is a single letter prefix
// followed by its value. Unknown prefixes are ignored.
func ParseArgs(args []string) Request {
	req := Request{ShowErrors: true}
	if len(args) == 0 {
		return req
	}
	req.Target = args[0]

	for _, tok := range args[1:] {
		if tok == "" {
			continue
		}
		val := tok[1:]
		u32 := func() *uint32 { v := uint32(ParseInt(val)); return &v }
		switch tok[0] {
		case 'A':
			req.AppArgs = strings.Replace(val, "'", `"`, -1)
		case 'C':
			req.Overrides.CodePage = u32()
		case 'D':
			req.UseDebugger = true
		case 'E':
			req.ShowErrors = ParseInt(val) != 0
		case 'F':
			name := val
			req.Overrides.ModuleName = &name
		case 'I', 'R':
			req.Overrides.MaxWait = u32()
		case 'L':
			req.Overrides.LocaleID = u32()
		case 'M':
			t := uint16(ParseInt(val))
			req.Overrides.ModuleType = &t
		case 'P':
			req.Overrides.Flags = u32()
		case 'Q':
			tz := int32(ParseInt(val))
			req.Overrides.TimezoneOffset = &tz
		case 'S':
			req.Overrides.FlagBits |= uint32(ParseInt(val))
		case 'T':
			req.SetWorkDir = true
		case 'V':
			req.SetWorkDir = ParseInt(val) != 0
		}
	}
	return req
}
