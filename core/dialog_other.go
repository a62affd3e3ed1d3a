//go:build !windows

package core

import (
	"fmt"
	"os"
)

func showDialog(title, text string) error {
	_, err := fmt.Fprintf(os.Stderr, "[%s] %s\n", title, text)
	return err
}
