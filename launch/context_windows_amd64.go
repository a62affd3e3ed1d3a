//go:build windows && amd64

package launch

import (
	"encoding/binary"
	"unsafe"
)

const (
	contextControl = 0x00100001
	contextSize    = 0x4d0
	contextFlags   = 0x30
	contextRip     = 0xf8
)

// The CONTEXT record must be 16 byte aligned, so it is carved out of a
// slightly larger buffer.
type threadContext struct {
	raw [contextSize + 16]byte
	off uintptr
}

func newThreadContext() *threadContext {
	c := &threadContext{}
	p := uintptr(unsafe.Pointer(&c.raw[0]))
	c.off = (16 - p%16) % 16
	binary.LittleEndian.PutUint32(c.buf()[contextFlags:], contextControl)
	return c
}

func (self *threadContext) buf() []byte { return self.raw[self.off : self.off+contextSize] }

func (self *threadContext) ptr() unsafe.Pointer { return unsafe.Pointer(&self.raw[self.off]) }

func (self *threadContext) ip() uint64 {
	return binary.LittleEndian.Uint64(self.buf()[contextRip:])
}
