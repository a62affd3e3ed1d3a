//go:build windows

package image

import (
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	shell32              = windows.NewLazySystemDLL("shell32.dll")
	shlwapi              = windows.NewLazySystemDLL("shlwapi.dll")
	procFindExecutableW  = shell32.NewProc("FindExecutableW")
	procAssocQueryString = shlwapi.NewProc("AssocQueryStringW")
)

const (
	assocStrExecutable = 2
	maxPath            = 260
)

// ShellAssociator asks the shell for the "open" verb handler of a file.
type ShellAssociator struct{}

func (ShellAssociator) Executable(path string) (string, error) {
	if exe, err := assocQuery(path); err == nil && exe != "" {
		return exe, nil
	}
	return findExecutable(path)
}

func assocQuery(path string) (string, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", errors.New("no extension")
	}
	pext, err := windows.UTF16PtrFromString(ext)
	if err != nil {
		return "", err
	}
	verb, _ := windows.UTF16PtrFromString("open")
	buf := make([]uint16, maxPath)
	size := uint32(len(buf))
	hr, _, _ := procAssocQueryString.Call(0, assocStrExecutable,
		uintptr(unsafe.Pointer(pext)), uintptr(unsafe.Pointer(verb)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)))
	if hr != 0 {
		return "", errors.Errorf("AssocQueryStringW failed: 0x%x", hr)
	}
	return windows.UTF16ToString(buf), nil
}

func findExecutable(path string) (string, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", err
	}
	buf := make([]uint16, maxPath)
	r, _, _ := procFindExecutableW.Call(uintptr(unsafe.Pointer(p)), 0, uintptr(unsafe.Pointer(&buf[0])))
	if r <= 32 {
		return "", errors.Errorf("FindExecutableW failed: %d", r)
	}
	return windows.UTF16ToString(buf), nil
}

// DefaultAssociator returns the platform association lookup.
func DefaultAssociator() Associator { return ShellAssociator{} }
