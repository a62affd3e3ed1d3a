//go:build windows

package agent

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/locale"
)

var (
	user32            = windows.NewLazySystemDLL("user32.dll")
	procGetClassInfoA = user32.NewProc("GetClassInfoExA")
	procGetClassInfoW = user32.NewProc("GetClassInfoExW")
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procSetLastError  = kernel32.NewProc("SetLastError")
	version           = windows.NewLazySystemDLL("version.dll")
	procVerQueryValue = version.NewProc("VerQueryValueW")
)

const statusSuccess = 0

func setLastError(e windows.Errno) {
	procSetLastError.Call(uintptr(e))
}

func bytesAt(p uintptr, n int) []byte {
	if p == 0 {
		return nil
	}
	if n < 0 {
		n = 0
		for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
			n++
		}
		n++
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func unitsAt(p uintptr, n int) []uint16 {
	if p == 0 {
		return nil
	}
	if n < 0 {
		n = 0
		for *(*uint16)(unsafe.Pointer(p + uintptr(2*n))) != 0 {
			n++
		}
		n++
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(p)), n)
}

func cString(p uintptr) string {
	return string(counted(bytesAt(p, -1), -1))
}

// verQueryValue asks the wide routine, which stays unpatched.
func verQueryValue(block uintptr, sub string, buf, size uintptr) uintptr {
	q, err := windows.UTF16PtrFromString(sub)
	if err != nil {
		return 0
	}
	r, _, _ := procVerQueryValue.Call(block, uintptr(unsafe.Pointer(q)), buf, size)
	return r
}

func boolPtr(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

// Callbacks builds the replacement routines over state. lock guards the two
// ntdll conversions.
func Callbacks(lock *hook.OwnerLock) Binder {
	return func(state *locale.State) Bindings {
		b := Bindings{}
		put := func(name string, fn interface{}) {
			b[name] = uint64(windows.NewCallback(fn))
		}

		put("GetACP", func() uintptr { return uintptr(state.ACP()) })
		put("GetOEMCP", func() uintptr { return uintptr(state.OEMCP()) })
		lcid := func() uintptr { return uintptr(state.LCID()) }
		lang := func() uintptr { return uintptr(state.LangID()) }
		put("GetThreadLocale", lcid)
		put("GetSystemDefaultLCID", lcid)
		put("GetUserDefaultLCID", lcid)
		put("GetSystemDefaultUILanguage", lang)
		put("GetUserDefaultUILanguage", lang)
		put("GetSystemDefaultLangID", lang)
		put("GetUserDefaultLangID", lang)

		put("IsDBCSLeadByte", func(c uintptr) uintptr {
			return boolPtr(state.IsLeadByte(byte(c)))
		})

		put("MultiByteToWideChar", func(cp, flags, src, srcLen, dst, dstLen uintptr) uintptr {
			in := bytesAt(src, int(int32(srcLen)))
			out, err := state.Decode(uint32(cp), in)
			if err != nil {
				setLastError(windows.ERROR_INVALID_PARAMETER)
				return 0
			}
			if dstLen == 0 {
				return uintptr(len(out))
			}
			if len(out) > int(dstLen) {
				setLastError(windows.ERROR_INSUFFICIENT_BUFFER)
				return 0
			}
			return uintptr(copy(unitsAt(dst, int(dstLen)), out))
		})

		put("WideCharToMultiByte", func(cp, flags, src, srcLen, dst, dstLen, defChar, usedDef uintptr) uintptr {
			in := unitsAt(src, int(int32(srcLen)))
			out, used, err := state.Encode(uint32(cp), in)
			if err != nil {
				setLastError(windows.ERROR_INVALID_PARAMETER)
				return 0
			}
			if usedDef != 0 {
				*(*int32)(unsafe.Pointer(usedDef)) = int32(boolPtr(used))
			}
			if dstLen == 0 {
				return uintptr(len(out))
			}
			if len(out) > int(dstLen) {
				setLastError(windows.ERROR_INSUFFICIENT_BUFFER)
				return 0
			}
			return uintptr(copy(bytesAt(dst, int(dstLen)), out))
		})

		put("GetCPInfo", func(cp, info uintptr) uintptr {
			if info == 0 {
				return 0
			}
			*(*locale.CPInfo)(unsafe.Pointer(info)) = state.CPInfo(uint32(cp))
			return 1
		})

		put("CompareStringA", func(lcid, flags, a, alen, c, clen uintptr) uintptr {
			sa := counted(bytesAt(a, int(int32(alen))), int32(alen))
			sc := counted(bytesAt(c, int(int32(clen))), int32(clen))
			return uintptr(state.Compare(uint32(flags), sa, sc))
		})

		put("GetTimeZoneInformation", func(tzi uintptr) uintptr {
			raw, _ := state.TimeZone().MarshalBinary()
			copy(bytesAt(tzi, locale.TimeZoneInfoSize), raw)
			return locale.TimeZoneIDUnknown
		})

		redirect := &VersionRedirect{}
		put("VerQueryValueA", func(block, sub, buf, size uintptr) uintptr {
			if block == 0 || buf == 0 || size == 0 {
				setLastError(windows.ERROR_INVALID_PARAMETER)
				return 0
			}
			q := cString(sub)
			if IsTranslationQuery(q) {
				r := verQueryValue(block, TranslationBlock, buf, size)
				if r != 0 {
					n := *(*uint32)(unsafe.Pointer(size))
					redirect.RewriteTranslation(bytesAt(*(*uintptr)(unsafe.Pointer(buf)), int(n)), state)
				}
				return r
			}
			q = redirect.StringQuery(q)
			r := verQueryValue(block, q, buf, size)
			if r == 0 || !IsStringQuery(q) {
				return r
			}
			// string values come back wide and are handed out in the
			// configured code page
			units := unitsAt(*(*uintptr)(unsafe.Pointer(buf)), int(*(*uint32)(unsafe.Pointer(size))))
			for len(units) > 0 && units[len(units)-1] == 0 {
				units = units[:len(units)-1]
			}
			out, _, err := state.Encode(state.ACP(), units)
			if err != nil {
				return 0
			}
			v := redirect.Keep(uint64(block), q, append(out, 0))
			*(*uintptr)(unsafe.Pointer(buf)) = uintptr(unsafe.Pointer(&v[0]))
			*(*uint32)(unsafe.Pointer(size)) = uint32(len(v))
			return r
		})

		put("CharNextA", func(p uintptr) uintptr {
			s := bytesAt(p, -1)
			return p + uintptr(state.CharNext(s, 0))
		})

		put("CharPrevA", func(start, cur uintptr) uintptr {
			if cur <= start {
				return start
			}
			s := bytesAt(start, int(cur-start))
			return start + uintptr(state.CharPrev(s, 0, int(cur-start)))
		})

		put("RtlUnicodeToMultiByteN", func(dst, dstMax, written, src, srcBytes uintptr) uintptr {
			tid := windows.GetCurrentThreadId()
			return lock.Guard(tid, func(bool) uintptr {
				n := state.UnicodeToMultiByteN(bytesAt(dst, int(dstMax)), unitsAt(src, int(srcBytes/2)))
				if written != 0 {
					*(*uint32)(unsafe.Pointer(written)) = uint32(n)
				}
				return statusSuccess
			})
		})

		put("RtlMultiByteToUnicodeN", func(dst, dstMax, written, src, srcBytes uintptr) uintptr {
			tid := windows.GetCurrentThreadId()
			return lock.Guard(tid, func(bool) uintptr {
				n := state.MultiByteToUnicodeN(unitsAt(dst, int(dstMax/2)), bytesAt(src, int(srcBytes)))
				if written != 0 {
					*(*uint32)(unsafe.Pointer(written)) = uint32(2 * n)
				}
				return statusSuccess
			})
		})
		return b
	}
}

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   uintptr
	Icon       uintptr
	Cursor     uintptr
	Background uintptr
	MenuName   uintptr
	ClassName  uintptr
	IconSm     uintptr
}

// ClassQuery reads the registered narrow and wide procedures of a system
// control class.
func ClassQuery() hook.ClassQuery {
	return func(class string) hook.ProcPair {
		var p hook.ProcPair
		name, err := windows.BytePtrFromString(class)
		if err != nil {
			return p
		}
		wc := wndClassEx{}
		wc.Size = uint32(unsafe.Sizeof(wc))
		if r, _, _ := procGetClassInfoA.Call(0, uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(&wc))); r != 0 {
			p.Ansi = wc.WndProc
		}
		wname, err := windows.UTF16PtrFromString(class)
		if err != nil {
			return p
		}
		wc = wndClassEx{Size: uint32(unsafe.Sizeof(wc))}
		if r, _, _ := procGetClassInfoW.Call(0, uintptr(unsafe.Pointer(wname)), uintptr(unsafe.Pointer(&wc))); r != 0 {
			p.Wide = wc.WndProc
		}
		return p
	}
}

// CurrentThread is the OS id of the calling thread.
func CurrentThread() uint32 { return windows.GetCurrentThreadId() }

// Local is the current process as seen by the installer.
func Local() (hook.Memory, hook.Resolver) {
	return hook.LocalMemory{}, hook.ModuleResolver{}
}
