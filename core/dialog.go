package core

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const dialogTitle = "lea"

// Reporter surfaces a failed launch to the user.
type Reporter struct {
	Log     logrus.FieldLogger
	Enabled bool
	// Show presents text modally. Nil selects the platform dialog.
	Show func(title, text string) error
}

// Report logs err and, when enabled, shows the coded message for it. It
// returns the exit code for err.
func (self *Reporter) Report(err error) Code {
	code := CodeOf(err)
	if err == nil {
		return code
	}
	log := self.Log
	if log == nil {
		log = Discard()
	}
	log.WithField("code", int32(code)).Error(err)

	if !self.Enabled {
		return code
	}
	show := self.Show
	if show == nil {
		show = showDialog
	}
	text := fmt.Sprintf("Err: %s.\n\n%v", code.Message(), err)
	if derr := show(dialogTitle, text); derr != nil {
		log.WithError(derr).Debug("dialog unavailable")
	}
	return code
}
