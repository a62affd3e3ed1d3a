//go:build windows

package channel

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW    = kernel32.NewProc("OpenFileMappingW")
	procWaitForSingleObject = kernel32.NewProc("WaitForSingleObject")
)

const (
	waitObject0 = 0x00000000
	waitTimeout = 0x00000102
)

// WindowsHost maps the channel onto named file mappings, events and
// mutexes in the session namespace.
type WindowsHost struct{}

type winSegment struct {
	handle windows.Handle
	addr   uintptr
	buf    []byte
}

func (self *winSegment) Bytes() []byte { return self.buf }

func (self *winSegment) Close() error {
	if self.addr != 0 {
		windows.UnmapViewOfFile(self.addr)
		self.addr = 0
		self.buf = nil
	}
	if self.handle != 0 {
		err := windows.CloseHandle(self.handle)
		self.handle = 0
		return err
	}
	return nil
}

func mapView(h windows.Handle, size int) (*winSegment, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrap(err, "MapViewOfFile")
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &winSegment{handle: h, addr: addr, buf: buf}, nil
}

func (WindowsHost) OpenSegment(name string, size int) (Segment, bool, error) {
	n, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, false, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), n)
	created := true
	if err == windows.ERROR_ALREADY_EXISTS {
		created = false
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "CreateFileMapping %s", name)
	}
	seg, err := mapView(h, size)
	if err != nil {
		return nil, false, err
	}
	return seg, created, nil
}

func (WindowsHost) AttachSegment(name string, size int) (Segment, error) {
	n, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	r, _, e := procOpenFileMappingW.Call(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, uintptr(unsafe.Pointer(n)))
	if r == 0 {
		if e == windows.ERROR_FILE_NOT_FOUND {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(e, "OpenFileMapping %s", name)
	}
	return mapView(windows.Handle(r), size)
}

type winEvent struct {
	handle windows.Handle
}

func (self *winEvent) Set() error {
	return windows.SetEvent(self.handle)
}

func (self *winEvent) Wait(timeout time.Duration) (bool, error) {
	r, _, e := procWaitForSingleObject.Call(uintptr(self.handle), uintptr(uint32(timeout/time.Millisecond)))
	switch r {
	case waitObject0:
		return true, nil
	case waitTimeout:
		return false, nil
	}
	return false, errors.Wrap(e, "WaitForSingleObject")
}

func (self *winEvent) Close() error {
	return windows.CloseHandle(self.handle)
}

func (WindowsHost) CreateEvent(name string) (Event, error) {
	n, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateEvent(nil, 0, 0, n)
	if err != nil && err != windows.ERROR_ALREADY_EXISTS {
		return nil, errors.Wrapf(err, "CreateEvent %s", name)
	}
	return &winEvent{handle: h}, nil
}

func (WindowsHost) OpenEvent(name string) (Event, error) {
	n, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenEvent(windows.EVENT_MODIFY_STATE|windows.SYNCHRONIZE, false, n)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "OpenEvent %s", name)
	}
	return &winEvent{handle: h}, nil
}

func (WindowsHost) AcquireMutex(name string) (func() error, error) {
	n, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, false, n)
	if err == windows.ERROR_ALREADY_EXISTS {
		windows.CloseHandle(h)
		return nil, ErrAlreadyExists
	} else if err != nil {
		return nil, errors.Wrapf(err, "CreateMutex %s", name)
	}
	return func() error { return windows.CloseHandle(h) }, nil
}

// DefaultHost returns the OS backed host.
func DefaultHost() Host { return WindowsHost{} }
