// Package image decides whether a path names a launchable executable and
// extracts the header facts the launch controller needs.
package image

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/pefile"
)

// TargetImageInfo is computed once per launch and read-only afterwards.
type TargetImageInfo struct {
	// Path is the image that will be executed. It differs from the requested
	// path when the association fallback was taken.
	Path          string
	Requested     string
	CommandLine   string
	Machine       uint16
	PreferredBase uint64
	EntryRVA      uint32
	Subsystem     uint16
	Associated    bool
}

func (self *TargetImageInfo) String() string {
	return fmt.Sprintf("%s machine=0x%x base=0x%x entry=0x%x", self.Path, self.Machine, self.PreferredBase, self.EntryRVA)
}

// Associator resolves the registered "open" executable for a document.
type Associator interface {
	Executable(path string) (string, error)
}

// PatchableMachines are the machines whose entry points the hook engine
// can rewrite.
var PatchableMachines = []uint16{pefile.MachineI386, pefile.MachineAMD64}

// MachineFor maps a GOARCH to the COFF machine a launcher built for it
// accepts. Architectures the hook engine cannot patch map to
// MachineUnknown.
func MachineFor(goarch string) uint16 {
	switch goarch {
	case "386":
		return pefile.MachineI386
	case "amd64":
		return pefile.MachineAMD64
	}
	return pefile.MachineUnknown
}

// NativeMachine is the COFF machine of the running launcher.
func NativeMachine() uint16 {
	return MachineFor(runtime.GOARCH)
}

type Validator struct {
	Machines []uint16
	Assoc    Associator
	Log      logrus.FieldLogger
}

// NewValidator accepts images of the launcher's own machine type. A
// launcher built for a machine the hook engine cannot patch accepts none.
func NewValidator(assoc Associator, log logrus.FieldLogger) *Validator {
	if log == nil {
		log = core.Discard()
	}
	var machines []uint16
	if m := NativeMachine(); m != pefile.MachineUnknown {
		machines = []uint16{m}
	}
	return &Validator{
		Machines: machines,
		Assoc:    assoc,
		Log:      log,
	}
}

func (self *Validator) log() logrus.FieldLogger {
	if self.Log == nil {
		return logrus.StandardLogger()
	}
	return self.Log
}

func (self *Validator) supported(machine uint16) bool {
	if machine == pefile.MachineUnknown {
		return false
	}
	for _, m := range self.Machines {
		if m == machine {
			return true
		}
	}
	return false
}

// Validate inspects path. appArgs, when non-empty, is appended to the
// generated command line and disables the association fallback.
func (self *Validator) Validate(path string, appArgs string) (*TargetImageInfo, error) {
	info, err := self.inspect(path)
	if err == nil {
		info.CommandLine = commandLine(path, appArgs)
		return info, nil
	}
	if !errors.Is(err, core.ErrInvalidImage) || self.Assoc == nil || appArgs != "" {
		return nil, err
	}

	exe, aerr := self.Assoc.Executable(path)
	if aerr != nil || exe == "" {
		self.log().WithError(aerr).WithField("path", path).Debug("no open association")
		return nil, err
	}
	self.log().WithFields(logrus.Fields{"document": path, "executable": exe}).Info("using associated executable")

	info, err = self.inspect(exe)
	if err != nil {
		return nil, err
	}
	info.Requested = path
	info.Associated = true
	info.CommandLine = commandLine(exe, quote(path))
	return info, nil
}

func (self *Validator) inspect(path string) (*TargetImageInfo, error) {
	pe, err := pefile.LoadPeFile(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) || os.IsPermission(errors.Cause(err)) {
			return nil, core.Fail(core.CodeFileNotFound, err)
		}
		if _, ok := errors.Cause(err).(*os.PathError); ok {
			return nil, core.Fail(core.CodeFileNotFound, err)
		}
		return nil, core.Fail(core.CodeInvalidImage, err)
	}
	defer pe.Close()

	if !self.supported(pe.Machine()) {
		return nil, core.Failf(core.CodeMachineUnsupported, "%s has machine 0x%x", path, pe.Machine())
	}
	return &TargetImageInfo{
		Path:          path,
		Requested:     path,
		Machine:       pe.Machine(),
		PreferredBase: pe.ImageBase(),
		EntryRVA:      pe.EntryPoint(),
		Subsystem:     pe.Subsystem(),
	}, nil
}

func quote(s string) string {
	return `"` + s + `"`
}

func commandLine(exe, args string) string {
	if args == "" {
		return quote(exe)
	}
	return quote(exe) + " " + args
}
