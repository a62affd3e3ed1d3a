// Package hook installs code patches: the two byte entry busy loop used by
// the launcher and the five byte jump trampolines used by the agent. Every
// write to code goes through Patch.
package hook

import (
	"bytes"
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	ProtectExecuteReadWrite = 0x40
	JumpSize                = 5
)

var (
	ErrOutOfRange = errors.New("jump target outside rel32 range")
	ErrDoubleHook = errors.New("entry already carries a different trampoline")
)

// Memory is the address space a patch is applied to, either the current
// process or a remote one.
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, b []byte) error
	// Protect changes page protection and returns the previous value.
	Protect(addr uint64, n int, prot uint32) (uint32, error)
	FlushInstructionCache(addr uint64, n int) error
}

// Record describes one applied patch. Original holds the bytes that were
// replaced and exists only so the patch can be restored.
type Record struct {
	Name        string
	Target      uint64
	Original    []byte
	Code        []byte
	Replacement uint64
	Installed   bool
	// Reapplied is set when the bytes were already in place and nothing
	// was written.
	Reapplied bool
}

// BusyLoop is "jmp $": a two byte self loop.
func BusyLoop() []byte {
	return []byte{0xeb, 0xfe}
}

// EncodeJump builds "jmp rel32" placed at from and landing on to.
func EncodeJump(from, to uint64) ([]byte, error) {
	rel := int64(to) - int64(from+JumpSize)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return nil, errors.Wrapf(ErrOutOfRange, "0x%x -> 0x%x", from, to)
	}
	code := make([]byte, JumpSize)
	code[0] = 0xe9
	r := uint32(int32(rel))
	code[1] = byte(r)
	code[2] = byte(r >> 8)
	code[3] = byte(r >> 16)
	code[4] = byte(r >> 24)
	return code, nil
}

// VerifyJump decodes code and checks that it is exactly one relative jump
// from from to to.
func VerifyJump(code []byte, from, to uint64) error {
	mode := 32
	if bits.UintSize == 64 && (from > math.MaxUint32 || to > math.MaxUint32) {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return errors.Wrap(err, "decoding trampoline")
	}
	if inst.Op != x86asm.JMP || inst.Len != len(code) {
		return errors.Errorf("trampoline decodes as %v", inst)
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return errors.Errorf("trampoline operand %v is not relative", inst.Args[0])
	}
	if dest := uint64(int64(from) + int64(inst.Len) + int64(rel)); dest != to {
		return errors.Errorf("trampoline lands on 0x%x, want 0x%x", dest, to)
	}
	return nil
}

// Patch writes code at addr: make the range writable, write, flush the
// instruction cache, restore the previous protection. Writing bytes that are
// already present changes nothing.
func Patch(mem Memory, addr uint64, code []byte) (*Record, error) {
	cur, err := mem.Read(addr, len(code))
	if err != nil {
		return nil, errors.Wrapf(err, "reading 0x%x", addr)
	}
	rec := &Record{Target: addr, Original: cur, Code: append([]byte(nil), code...)}
	if bytes.Equal(cur, code) {
		rec.Installed = true
		rec.Reapplied = true
		return rec, nil
	}
	if err := write(mem, addr, code); err != nil {
		return nil, err
	}
	rec.Installed = true
	return rec, nil
}

// Restore writes the original bytes of rec back.
func Restore(mem Memory, rec *Record) error {
	if rec == nil || !rec.Installed {
		return nil
	}
	if rec.Reapplied {
		rec.Installed = false
		return nil
	}
	if err := write(mem, rec.Target, rec.Original); err != nil {
		return err
	}
	rec.Installed = false
	return nil
}

func write(mem Memory, addr uint64, code []byte) error {
	old, err := mem.Protect(addr, len(code), ProtectExecuteReadWrite)
	if err != nil {
		return errors.Wrapf(err, "unprotecting 0x%x", addr)
	}
	werr := mem.Write(addr, code)
	if werr == nil {
		werr = mem.FlushInstructionCache(addr, len(code))
	}
	if _, err := mem.Protect(addr, len(code), old); err != nil && werr == nil {
		werr = errors.Wrapf(err, "reprotecting 0x%x", addr)
	}
	if werr != nil {
		return errors.Wrapf(werr, "patching 0x%x", addr)
	}
	return nil
}

// Trampoline redirects the entry at from to to with a verified jump.
func Trampoline(mem Memory, from, to uint64) (*Record, error) {
	code, err := EncodeJump(from, to)
	if err != nil {
		return nil, err
	}
	if err := VerifyJump(code, from, to); err != nil {
		return nil, err
	}
	rec, err := Patch(mem, from, code)
	if err != nil {
		return nil, err
	}
	rec.Replacement = to
	return rec, nil
}
