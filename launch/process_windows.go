//go:build windows && (386 || amd64)

package launch

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/image"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread         = kernel32.NewProc("SuspendThread")
	procGetThreadContext      = kernel32.NewProc("GetThreadContext")
	procVirtualAllocEx        = kernel32.NewProc("VirtualAllocEx")
	procCreateRemoteThread    = kernel32.NewProc("CreateRemoteThread")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// WindowsSpawner starts targets with CreateProcess.
type WindowsSpawner struct{}

func (WindowsSpawner) Spawn(info *image.TargetImageInfo, workDir string) (Process, error) {
	app, err := windows.UTF16PtrFromString(info.Path)
	if err != nil {
		return nil, core.Fail(core.CodeProcessCreate, err)
	}
	cmd, err := windows.UTF16PtrFromString(info.CommandLine)
	if err != nil {
		return nil, core.Fail(core.CodeProcessCreate, err)
	}
	var dir *uint16
	if workDir != "" {
		if dir, err = windows.UTF16PtrFromString(workDir); err != nil {
			return nil, core.Fail(core.CodeProcessCreate, err)
		}
	}

	si := &windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(*si))
	pi := &windows.ProcessInformation{}
	if err := windows.CreateProcess(app, cmd, nil, nil, false, windows.CREATE_SUSPENDED, nil, dir, si, pi); err != nil {
		return nil, core.Fail(core.CodeProcessCreate, errors.Wrap(err, "CreateProcess"))
	}
	return &winProcess{process: pi.Process, thread: pi.Thread, pid: pi.ProcessId}, nil
}

type winProcess struct {
	process windows.Handle
	thread  windows.Handle
	pid     uint32
}

func (self *winProcess) ImageBase() (uint64, error) {
	var pbi windows.PROCESS_BASIC_INFORMATION
	var n uint32
	err := windows.NtQueryInformationProcess(self.process, windows.ProcessBasicInformation, unsafe.Pointer(&pbi), uint32(unsafe.Sizeof(pbi)), &n)
	if err != nil {
		return 0, core.Fail(core.CodeQueryProcess, err)
	}
	// ImageBaseAddress follows two pointer sized fields in the PEB.
	off := uint64(2 * unsafe.Sizeof(uintptr(0)))
	b, err := self.Read(uint64(uintptr(unsafe.Pointer(pbi.PebBaseAddress)))+off, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		return 0, core.Fail(core.CodeQueryProcess, err)
	}
	var base uint64
	for i := len(b) - 1; i >= 0; i-- {
		base = base<<8 | uint64(b[i])
	}
	return base, nil
}

func (self *winProcess) Resume() error {
	if _, err := windows.ResumeThread(self.thread); err != nil {
		return errors.Wrap(err, "ResumeThread")
	}
	return nil
}

func (self *winProcess) Suspend() error {
	r, _, e := procSuspendThread.Call(uintptr(self.thread))
	if int32(r) == -1 {
		return errors.Wrap(e, "SuspendThread")
	}
	return nil
}

func (self *winProcess) InstructionPointer() (uint64, error) {
	ctx := newThreadContext()
	r, _, e := procGetThreadContext.Call(uintptr(self.thread), uintptr(ctx.ptr()))
	if r == 0 {
		return 0, errors.Wrap(e, "GetThreadContext")
	}
	return ctx.ip(), nil
}

func (self *winProcess) Read(addr uint64, n int) ([]byte, error) {
	b := make([]byte, n)
	var got uintptr
	if err := windows.ReadProcessMemory(self.process, uintptr(addr), &b[0], uintptr(n), &got); err != nil {
		return nil, errors.Wrapf(err, "ReadProcessMemory 0x%x", addr)
	}
	return b[:got], nil
}

func (self *winProcess) Write(addr uint64, b []byte) error {
	var put uintptr
	if err := windows.WriteProcessMemory(self.process, uintptr(addr), &b[0], uintptr(len(b)), &put); err != nil {
		return errors.Wrapf(err, "WriteProcessMemory 0x%x", addr)
	}
	if int(put) != len(b) {
		return errors.Errorf("short write at 0x%x: %d of %d", addr, put, len(b))
	}
	return nil
}

func (self *winProcess) WriteMemory(addr uint64, b []byte) error {
	return self.Write(addr, b)
}

func (self *winProcess) Protect(addr uint64, n int, prot uint32) (uint32, error) {
	var old uint32
	if err := windows.VirtualProtectEx(self.process, uintptr(addr), uintptr(n), prot, &old); err != nil {
		return 0, errors.Wrap(err, "VirtualProtectEx")
	}
	return old, nil
}

func (self *winProcess) FlushInstructionCache(addr uint64, n int) error {
	r, _, e := procFlushInstructionCache.Call(uintptr(self.process), uintptr(addr), uintptr(n))
	if r == 0 {
		return errors.Wrap(e, "FlushInstructionCache")
	}
	return nil
}

func (self *winProcess) Alloc(size int) (uint64, error) {
	r, _, e := procVirtualAllocEx.Call(uintptr(self.process), 0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if r == 0 {
		return 0, errors.Wrap(e, "VirtualAllocEx")
	}
	return uint64(r), nil
}

// LoaderAddress relies on kernel32 sharing its base across processes of
// the same machine type in one session.
func (self *winProcess) LoaderAddress() (uint64, error) {
	h, err := windows.LoadLibrary("kernel32.dll")
	if err != nil {
		return 0, err
	}
	addr, err := windows.GetProcAddress(h, "LoadLibraryW")
	if err != nil {
		return 0, err
	}
	return uint64(addr), nil
}

func (self *winProcess) StartThread(entry, arg uint64) error {
	r, _, e := procCreateRemoteThread.Call(uintptr(self.process), 0, 0, uintptr(entry), uintptr(arg), 0, 0)
	if r == 0 {
		return errors.Wrap(e, "CreateRemoteThread")
	}
	windows.CloseHandle(windows.Handle(r))
	return nil
}

func (self *winProcess) Terminate(code uint32) error {
	return windows.TerminateProcess(self.process, code)
}

func (self *winProcess) Close() error {
	windows.CloseHandle(self.thread)
	return windows.CloseHandle(self.process)
}

// DefaultSpawner returns the spawner for this platform.
func DefaultSpawner() Spawner { return WindowsSpawner{} }
