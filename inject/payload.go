// Package inject places the agent into a suspended target: it writes the
// payload into the target, publishes its address and starts the loader on
// it.
package inject

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/util"
)

// Payload is what the remote loader thread receives. The loader only reads
// the leading wide path; the agent later reads the rest.
type Payload struct {
	ModulePath string
	Config     channel.Config
}

// MarshalBinary lays the payload out as wide path, NUL, module name, NUL,
// integer block.
func (self Payload) MarshalBinary() ([]byte, error) {
	if err := self.Config.Validate(); err != nil {
		return nil, err
	}
	if self.ModulePath == "" {
		return nil, errors.New("empty module path")
	}
	if strings.IndexByte(self.ModulePath, 0) >= 0 {
		return nil, errors.New("module path contains NUL")
	}
	buf := &bytes.Buffer{}
	buf.Write(util.WideBytes(self.ModulePath))
	buf.WriteString(self.Config.ModuleName)
	buf.WriteByte(0)
	buf.Write(self.Config.IntegerBlock())
	return buf.Bytes(), nil
}

// UnmarshalBinary is the agent side decoder. Trailing bytes are ignored.
func (self *Payload) UnmarshalBinary(b []byte) error {
	i := 0
	for {
		if i+2 > len(b) {
			return errors.New("payload path not terminated")
		}
		i += 2
		if binary.LittleEndian.Uint16(b[i-2:]) == 0 {
			break
		}
	}
	rest := b[i:]
	name := util.ReadAnsi(rest)
	if len(name) == len(rest) {
		return errors.New("payload module name not terminated")
	}
	if len(name) >= channel.MaxModuleName {
		return channel.ErrNameTooLong
	}
	cfg, err := channel.DecodeIntegerBlock(rest[len(name)+1:])
	if err != nil {
		return errors.Wrap(err, "payload")
	}
	cfg.ModuleName = string(name)
	self.ModulePath = util.ReadWide(b[:i])
	self.Config = cfg
	return nil
}

// Slack is allocated past the payload so ReadPayload may over-read the
// fixed size tail without leaving the allocation.
const Slack = channel.MaxModuleName

// MaxPathUnits bounds the wide path, matching the longest Win32 path.
const MaxPathUnits = 32767

// ReadPayload decodes a payload living at addr in some address space.
func ReadPayload(read func(addr uint64, n int) ([]byte, error), addr uint64) (Payload, error) {
	raw := make([]byte, 0, 512)
	cur := addr
	for units := 0; ; units++ {
		if units > MaxPathUnits {
			return Payload{}, errors.New("payload path exceeds the path limit")
		}
		u, err := read(cur, 2)
		if err != nil {
			return Payload{}, errors.Wrapf(err, "reading payload at 0x%x", cur)
		}
		raw = append(raw, u...)
		cur += 2
		if u[0] == 0 && u[1] == 0 {
			break
		}
	}
	tail, err := read(cur, channel.MaxModuleName+channel.IntegerBlockSize)
	if err != nil {
		return Payload{}, errors.Wrapf(err, "reading payload tail at 0x%x", cur)
	}
	var p Payload
	if err := p.UnmarshalBinary(append(raw, tail...)); err != nil {
		return Payload{}, err
	}
	return p, nil
}
