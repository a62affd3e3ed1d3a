//go:build windows && 386

package launch

import (
	"encoding/binary"
	"unsafe"
)

const (
	contextControl = 0x00010001
	contextSize    = 0x2cc
	contextEip     = 0xb8
)

type threadContext struct {
	buf [contextSize]byte
}

func newThreadContext() *threadContext {
	c := &threadContext{}
	binary.LittleEndian.PutUint32(c.buf[0:], contextControl)
	return c
}

func (self *threadContext) ptr() unsafe.Pointer { return unsafe.Pointer(&self.buf[0]) }

func (self *threadContext) ip() uint64 {
	return uint64(binary.LittleEndian.Uint32(self.buf[contextEip:]))
}
