package core

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogOptions mirrors the command line verbosity switches.
type LogOptions struct {
	VerboseLevel int
	JSON         bool
	Output       io.Writer
}

// NewLogger builds the logger shared by the launcher and the agent. Level 0
// logs warnings and errors, 1 adds informational progress, 2 and above adds
// the per step debug trace.
func NewLogger(opts LogOptions) *logrus.Logger {
	log := logrus.New()
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stderr)
	}

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	}

	switch {
	case opts.VerboseLevel >= 2:
		log.SetLevel(logrus.DebugLevel)
	case opts.VerboseLevel == 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// Discard is a logger that drops everything, used where a caller supplies no
// logger of its own.
func Discard() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
