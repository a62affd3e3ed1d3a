//go:build windows

package agent

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/carbonblack/lea/core"
)

var (
	dbghelp                         = windows.NewLazySystemDLL("dbghelp.dll")
	procMiniDumpWriteDump           = dbghelp.NewProc("MiniDumpWriteDump")
	procSetUnhandledExceptionFilter = kernel32.NewProc("SetUnhandledExceptionFilter")
)

const (
	miniDumpNormal          = 0
	exceptionExecuteHandler = 1
)

// InstallDumpFilter writes a minidump into dir when the process dies of an
// unhandled exception. The returned func puts the previous filter back.
func InstallDumpFilter(dir string, log logrus.FieldLogger) (func(), error) {
	if log == nil {
		log = core.Discard()
	}
	if err := procSetUnhandledExceptionFilter.Find(); err != nil {
		return nil, errors.Wrap(err, "SetUnhandledExceptionFilter")
	}
	process, _ := os.Executable()
	filter := windows.NewCallback(func(pointers uintptr) uintptr {
		path := DumpPath(dir, process, time.Now())
		if err := writeDump(path, pointers); err != nil {
			log.WithError(err).Error("writing crash dump")
		} else {
			log.WithField("path", path).Error("crash dump written")
		}
		return exceptionExecuteHandler
	})
	prev, _, _ := procSetUnhandledExceptionFilter.Call(filter)
	log.WithField("dir", dir).Debug("crash dump filter installed")
	return func() { procSetUnhandledExceptionFilter.Call(prev) }, nil
}

func writeDump(path string, pointers uintptr) error {
	if err := procMiniDumpWriteDump.Find(); err != nil {
		return errors.Wrap(err, "dbghelp")
	}
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	h, err := windows.CreateFile(name, windows.GENERIC_WRITE, 0, nil, windows.CREATE_ALWAYS, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer windows.CloseHandle(h)

	mei := ExceptionInformation(windows.GetCurrentThreadId(), uint64(pointers), int(unsafe.Sizeof(pointers)))
	r, _, e := procMiniDumpWriteDump.Call(
		uintptr(windows.CurrentProcess()),
		uintptr(windows.GetCurrentProcessId()),
		uintptr(h),
		miniDumpNormal,
		uintptr(unsafe.Pointer(&mei[0])),
		0, 0)
	if r == 0 {
		return errors.Wrap(e, "MiniDumpWriteDump")
	}
	return nil
}
