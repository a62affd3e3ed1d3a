package agent

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DumpDir reads the crash dump setting. Empty or "0" disables dumps, "1"
// writes them into the working directory and anything else names the
// directory.
func DumpDir(setting string) (string, bool) {
	switch strings.TrimSpace(setting) {
	case "", "0":
		return "", false
	case "1":
		return ".", true
	}
	return strings.TrimSpace(setting), true
}

// DumpPath names the dump written for process at t.
func DumpPath(dir, process string, t time.Time) string {
	process = strings.TrimSuffix(filepath.Base(process), filepath.Ext(process))
	if process == "" || process == "." {
		process = "lea"
	}
	return filepath.Join(dir, fmt.Sprintf("crashinfo_%s_%s.dmp", process, t.Format("2006-01-02_15-04-05")))
}

// ExceptionInformation lays out a MINIDUMP_EXCEPTION_INFORMATION record,
// which is packed to 4 bytes, for a process with ptrSize pointers.
func ExceptionInformation(tid uint32, pointers uint64, ptrSize int) []byte {
	b := make([]byte, 4+ptrSize+4)
	binary.LittleEndian.PutUint32(b, tid)
	if ptrSize == 8 {
		binary.LittleEndian.PutUint64(b[4:], pointers)
	} else {
		binary.LittleEndian.PutUint32(b[4:], uint32(pointers))
	}
	// ClientPointers stays FALSE: the pointers are in this process.
	return b
}
