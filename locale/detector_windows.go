//go:build windows

package locale

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	ole32                = windows.NewLazySystemDLL("ole32.dll")
	procCoCreateInstance = ole32.NewProc("CoCreateInstance")

	clsidCMultiLanguage = windows.GUID{Data1: 0x275c23e2, Data2: 0x3747, Data3: 0x11d0, Data4: [8]byte{0x9f, 0xea, 0x00, 0xaa, 0x00, 0x3f, 0x86, 0x46}}
	iidIMultiLanguage   = windows.GUID{Data1: 0x275c23e1, Data2: 0x3747, Data3: 0x11d0, Data4: [8]byte{0x9f, 0xea, 0x00, 0xaa, 0x00, 0x3f, 0x86, 0x46}}
)

const (
	clsctxInprocServer = 0x1

	// IMultiLanguage vtable slots.
	vtblRelease         = 2
	vtblGetCodePageInfo = 4
)

type mimeCPInfo struct {
	Flags            uint32
	CodePage         uint32
	FamilyCodePage   uint32
	Description      [64]uint16
	WebCharset       [50]uint16
	HeaderCharset    [50]uint16
	BodyCharset      [50]uint16
	FixedWidthFont   [32]uint16
	ProportionalFont [32]uint16
	GDICharset       uint8
}

// MLangDetector asks the MLang service for the GDI charset of a code page.
type MLangDetector struct{}

func (MLangDetector) Charset(codePage uint32) (uint8, error) {
	if err := windows.CoInitializeEx(0, windows.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE: already initialized on this thread
		if en, ok := err.(syscall.Errno); !ok || en != 1 {
			return 0, errors.Wrap(err, "CoInitializeEx")
		}
	}
	defer windows.CoUninitialize()

	var obj uintptr
	hr, _, _ := procCoCreateInstance.Call(
		uintptr(unsafe.Pointer(&clsidCMultiLanguage)), 0, clsctxInprocServer,
		uintptr(unsafe.Pointer(&iidIMultiLanguage)), uintptr(unsafe.Pointer(&obj)))
	if hr != 0 || obj == 0 {
		return 0, errors.Errorf("CoCreateInstance(CMultiLanguage) failed: 0x%x", hr)
	}
	vtbl := *(*[8]uintptr)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(obj))))
	defer syscall.SyscallN(vtbl[vtblRelease], obj)

	var info mimeCPInfo
	hr, _, _ = syscall.SyscallN(vtbl[vtblGetCodePageInfo], obj, uintptr(codePage), uintptr(unsafe.Pointer(&info)))
	if hr != 0 {
		return 0, errors.Errorf("GetCodePageInfo(%d) failed: 0x%x", codePage, hr)
	}
	return info.GDICharset, nil
}

// DefaultDetector returns the platform detector.
func DefaultDetector() Detector { return MLangDetector{} }
