package emu

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// CpuManager knows which registers and pointer width belong to the
// emulated machine.
type CpuManager struct {
	emu     uc.Unicorn
	mode    int
	ptrSize int
}

func NewCpuManager(emu uc.Unicorn, mode int) *CpuManager {
	ptrSize := 4
	if mode == uc.MODE_64 {
		ptrSize = 8
	}
	return &CpuManager{emu, mode, ptrSize}
}

func (self *CpuManager) ipReg() int {
	if self.ptrSize == 4 {
		return uc.X86_REG_EIP
	}
	return uc.X86_REG_RIP
}

func (self *CpuManager) spReg() int {
	if self.ptrSize == 4 {
		return uc.X86_REG_ESP
	}
	return uc.X86_REG_RSP
}

func (self *CpuManager) IP() (uint64, error) {
	return self.emu.RegRead(self.ipReg())
}

func (self *CpuManager) SetIP(addr uint64) error {
	return self.emu.RegWrite(self.ipReg(), addr)
}

func (self *CpuManager) SetSP(addr uint64) error {
	return self.emu.RegWrite(self.spReg(), addr)
}

// PutPointer writes ptr at where using the machine pointer width.
func (self *CpuManager) PutPointer(where, ptr uint64) error {
	buf := make([]byte, self.ptrSize)
	if self.ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(ptr))
	} else {
		binary.LittleEndian.PutUint64(buf, ptr)
	}
	return self.emu.MemWrite(where, buf)
}

// GetPointer reads a pointer sized value from where.
func (self *CpuManager) GetPointer(where uint64) (uint64, error) {
	buf, err := self.emu.MemRead(where, uint64(self.ptrSize))
	if err != nil {
		return 0, err
	}
	if self.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Registers is a snapshot of the general purpose registers, used when the
// emulated thread faults.
type Registers struct {
	Wide  bool
	Names []string
	Vals  []uint64
}

var (
	regs32     = []int{uc.X86_REG_EIP, uc.X86_REG_ESP, uc.X86_REG_EBP, uc.X86_REG_EAX, uc.X86_REG_EBX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_ESI, uc.X86_REG_EDI}
	regs32Name = []string{"eip", "esp", "ebp", "eax", "ebx", "ecx", "edx", "esi", "edi"}
	regs64     = []int{uc.X86_REG_RIP, uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RAX, uc.X86_REG_RBX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RSI, uc.X86_REG_RDI}
	regs64Name = []string{"rip", "rsp", "rbp", "rax", "rbx", "rcx", "rdx", "rsi", "rdi"}
)

func (self *CpuManager) ReadRegisters() *Registers {
	ids, names := regs32, regs32Name
	if self.ptrSize == 8 {
		ids, names = regs64, regs64Name
	}
	r := &Registers{Wide: self.ptrSize == 8, Names: names, Vals: make([]uint64, len(ids))}
	for i, id := range ids {
		r.Vals[i], _ = self.emu.RegRead(id)
	}
	return r
}

func (self *Registers) String() string {
	ret := ""
	for i, n := range self.Names {
		if i > 0 {
			ret += " "
		}
		if self.Wide {
			ret += fmt.Sprintf("%s=0x%016x", n, self.Vals[i])
		} else {
			ret += fmt.Sprintf("%s=0x%08x", n, self.Vals[i])
		}
	}
	return ret
}
