package util

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"unicode/utf16"
)

// SearchFile looks for filename in each search path in order, matching case
// insensitively. Paths that cannot be read are skipped.
func SearchFile(searchPaths []string, filename string) (string, error) {
	for i := 0; i < len(searchPaths); i++ {
		files, err := ioutil.ReadDir(searchPaths[i])
		if err != nil {
			continue
		}
		for _, file := range files {
			if !file.IsDir() && strings.EqualFold(file.Name(), filename) {
				return filepath.Join(searchPaths[i], file.Name()), nil
			}
		}
	}

	return "", fmt.Errorf("file '%s' not found in %v", filename, searchPaths)
}

// WideBytes encodes s as NUL terminated UTF-16LE.
func WideBytes(s string) []byte {
	u := utf16.Encode([]rune(s))
	ret := make([]byte, 2*(len(u)+1))
	for i, c := range u {
		binary.LittleEndian.PutUint16(ret[2*i:], c)
	}
	return ret
}

// ReadWide decodes UTF-16LE bytes up to the first NUL unit.
func ReadWide(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}

// ReadAnsi returns b up to the first NUL byte.
func ReadAnsi(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func RoundUp(addr, mask uint64) uint64 {
	return (addr + mask) & ^mask
}
