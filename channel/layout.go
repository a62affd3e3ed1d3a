// Package channel carries the injection configuration between the launcher
// and the agent running inside the target, using named OS objects only.
package channel

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Names of the shared objects. Both sides must agree on them.
const (
	ConfigSegmentName    = "LeaFileMap000"
	HandshakeSegmentName = "LeaFileMap001"
	CompletionEventName  = "LeaEvent000"
	InstanceMutexName    = "LeaInternalMutex"
)

const (
	// MaxModuleName includes the terminating NUL.
	MaxModuleName    = 32
	IntegerBlockSize = 20
	ConfigSize       = IntegerBlockSize + MaxModuleName
	HandshakeSize    = 16
	HandshakeMagic   = 0x4c454148
)

// Defaults used when neither a peer nor the command line supplies a value.
const (
	DefaultCodePage       = 932
	DefaultLocaleID       = 1041
	DefaultTimezoneOffset = -540
	// PreloadTimezoneOffset is the bias the agent reports when it has to
	// answer before its configuration arrived.
	PreloadTimezoneOffset = -480
	DefaultMaxWait        = 100
	DefaultModuleType     = 0x69
	FlagMask              = 0x0f
)

// ErrNameTooLong is returned for module names that do not fit the segment.
var ErrNameTooLong = errors.Errorf("module name must be shorter than %d bytes", MaxModuleName)

// Config is the injection configuration. It travels byte identical through
// the config segment and through the injection payload.
type Config struct {
	Flags          uint32
	CodePage       uint32
	LocaleID       uint32
	TimezoneOffset int32
	MaxWait        uint32
	ModuleName     string
}

// ModuleFileName is the agent file selected by a module type tag.
func ModuleFileName(moduleType uint16) string {
	if moduleType == 0 || moduleType > 0x7e {
		moduleType = DefaultModuleType
	}
	return "lea" + string(rune(moduleType)) + ".dll"
}

func DefaultConfig() Config {
	return Config{
		CodePage:       DefaultCodePage,
		LocaleID:       DefaultLocaleID,
		TimezoneOffset: DefaultTimezoneOffset,
		MaxWait:        DefaultMaxWait,
		ModuleName:     ModuleFileName(DefaultModuleType),
	}
}

func (self Config) Validate() error {
	if len(self.ModuleName) >= MaxModuleName {
		return ErrNameTooLong
	}
	if strings.IndexByte(self.ModuleName, 0) >= 0 {
		return errors.New("module name contains NUL")
	}
	return nil
}

type integerBlock struct {
	Flags          uint32
	CodePage       uint32
	LocaleID       uint32
	TimezoneOffset int32
	MaxWait        uint32
}

// IntegerBlock encodes the five integer fields in wire order.
func (self Config) IntegerBlock() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, integerBlock{
		self.Flags, self.CodePage, self.LocaleID, self.TimezoneOffset, self.MaxWait,
	})
	return buf.Bytes()
}

// DecodeIntegerBlock fills the integer fields of a Config from b.
func DecodeIntegerBlock(b []byte) (Config, error) {
	if len(b) < IntegerBlockSize {
		return Config{}, errors.Errorf("integer block needs %d bytes, got %d", IntegerBlockSize, len(b))
	}
	var blk integerBlock
	binary.Read(bytes.NewReader(b[:IntegerBlockSize]), binary.LittleEndian, &blk)
	return Config{
		Flags:          blk.Flags,
		CodePage:       blk.CodePage,
		LocaleID:       blk.LocaleID,
		TimezoneOffset: blk.TimezoneOffset,
		MaxWait:        blk.MaxWait,
	}, nil
}

// MarshalBinary produces the ConfigSize byte segment image.
func (self Config) MarshalBinary() ([]byte, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, ConfigSize)
	copy(out, self.IntegerBlock())
	copy(out[IntegerBlockSize:], self.ModuleName)
	return out, nil
}

func (self *Config) UnmarshalBinary(b []byte) error {
	if len(b) < ConfigSize {
		return errors.Errorf("config segment needs %d bytes, got %d", ConfigSize, len(b))
	}
	c, err := DecodeIntegerBlock(b)
	if err != nil {
		return err
	}
	name := b[IntegerBlockSize:ConfigSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	} else {
		return ErrNameTooLong
	}
	c.ModuleName = string(name)
	*self = c
	return nil
}

// Status of a handshake record.
type Status uint32

const (
	StatusEmpty Status = iota
	StatusPublished
	StatusLoaded
	// StatusFailed is set by an agent that loaded but could not install
	// its hooks.
	StatusFailed
)

// Handshake publishes where the injector placed the payload inside the
// target.
type Handshake struct {
	Status  Status
	Address uint64
}

func (self Handshake) MarshalBinary() ([]byte, error) {
	out := make([]byte, HandshakeSize)
	binary.LittleEndian.PutUint32(out[0:], HandshakeMagic)
	binary.LittleEndian.PutUint32(out[4:], uint32(self.Status))
	binary.LittleEndian.PutUint64(out[8:], self.Address)
	return out, nil
}

// UnmarshalBinary decodes and validates a handshake. A record that was
// never written, or written by something else, is rejected.
func (self *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeSize {
		return errors.Errorf("handshake needs %d bytes, got %d", HandshakeSize, len(b))
	}
	if m := binary.LittleEndian.Uint32(b); m != HandshakeMagic {
		return errors.Errorf("bad handshake magic 0x%x", m)
	}
	h := Handshake{
		Status:  Status(binary.LittleEndian.Uint32(b[4:])),
		Address: binary.LittleEndian.Uint64(b[8:]),
	}
	if h.Status < StatusPublished || h.Status > StatusFailed {
		return errors.Errorf("handshake status %d not published", h.Status)
	}
	if h.Address == 0 {
		return errors.New("handshake carries a null address")
	}
	*self = h
	return nil
}
