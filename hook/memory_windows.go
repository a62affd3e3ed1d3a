//go:build windows

package hook

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// LocalMemory is the address space of the current process.
type LocalMemory struct{}

func (LocalMemory) Read(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, errors.New("read from null address")
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
	return append([]byte(nil), src...), nil
}

func (LocalMemory) Write(addr uint64, b []byte) error {
	if addr == 0 {
		return errors.New("write to null address")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(b))
	copy(dst, b)
	return nil
}

func (LocalMemory) Protect(addr uint64, n int, prot uint32) (uint32, error) {
	var old uint32
	if err := windows.VirtualProtect(uintptr(addr), uintptr(n), prot, &old); err != nil {
		return 0, errors.Wrap(err, "VirtualProtect")
	}
	return old, nil
}

func (LocalMemory) FlushInstructionCache(addr uint64, n int) error {
	r, _, e := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), uintptr(addr), uintptr(n))
	if r == 0 {
		return errors.Wrap(e, "FlushInstructionCache")
	}
	return nil
}

// ModuleResolver resolves exports of modules already loaded in the process.
// Modules are never loaded on its behalf.
type ModuleResolver struct{}

func (ModuleResolver) Lookup(module, symbol string) (uint64, bool) {
	var h windows.Handle
	name, err := windows.UTF16PtrFromString(module)
	if err != nil {
		return 0, false
	}
	if err := windows.GetModuleHandleEx(0, name, &h); err != nil || h == 0 {
		return 0, false
	}
	defer windows.FreeLibrary(h)
	addr, err := windows.GetProcAddress(h, symbol)
	if err != nil || addr == 0 {
		return 0, false
	}
	return uint64(addr), true
}
