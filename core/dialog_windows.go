//go:build windows

package core

import (
	"golang.org/x/sys/windows"
)

const mbIconError = 0x00000010

func showDialog(title, text string) error {
	t, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return err
	}
	m, err := windows.UTF16PtrFromString(text)
	if err != nil {
		return err
	}
	_, err = windows.MessageBox(0, m, t, windows.MB_OK|mbIconError)
	return err
}
