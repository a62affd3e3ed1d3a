//go:build !windows

package agent

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func InstallDumpFilter(dir string, log logrus.FieldLogger) (func(), error) {
	return nil, errors.New("crash dumps are only written on Windows")
}
