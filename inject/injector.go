package inject

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/util"
)

// RemoteProcess is the part of a suspended target the injector drives.
type RemoteProcess interface {
	Alloc(size int) (uint64, error)
	WriteMemory(addr uint64, b []byte) error
	// LoaderAddress is the module loader entry (LoadLibraryW) as seen from
	// inside the target.
	LoaderAddress() (uint64, error)
	// StartThread runs entry(arg) on a new thread in the target. It does
	// not wait for the thread to finish.
	StartThread(entry, arg uint64) error
}

// Publisher makes the payload address known to the agent.
type Publisher interface {
	PublishHandshake(addr uint64) error
}

type Injector struct {
	Log logrus.FieldLogger
}

func NewInjector(log logrus.FieldLogger) *Injector {
	if log == nil {
		log = core.Discard()
	}
	return &Injector{Log: log}
}

// Inject copies the payload into proc in a single write, publishes it and
// starts the loader on it. The remote allocation is left in place on every
// path; the target owns it from here on.
func (self *Injector) Inject(ctx context.Context, proc RemoteProcess, pub Publisher, modulePath string, cfg channel.Config) (uint64, error) {
	data, err := Payload{ModulePath: modulePath, Config: cfg}.MarshalBinary()
	if err != nil {
		return 0, core.Fail(core.CodeUnknown, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	addr, err := proc.Alloc(len(data) + Slack)
	if err != nil || addr == 0 {
		return 0, core.Fail(core.CodeMemoryAlloc, err)
	}
	log := self.Log.WithFields(logrus.Fields{"remote": addr, "size": len(data)})
	if err := proc.WriteMemory(addr, data); err != nil {
		return 0, core.Fail(core.CodeMemoryAlloc, errors.Wrap(err, "writing payload"))
	}
	log.Debug("payload written")

	if err := pub.PublishHandshake(addr); err != nil {
		return 0, core.Fail(core.CodeConnectionLost, err)
	}

	loader, err := proc.LoaderAddress()
	if err != nil {
		return 0, core.Fail(core.CodeQueryProcess, err)
	}
	if err := proc.StartThread(loader, addr); err != nil {
		return 0, core.Fail(core.CodeProcessCreate, errors.Wrap(err, "starting loader thread"))
	}
	log.WithField("loader", loader).Info("agent loader started")
	return addr, nil
}

// ModuleDirs is the search order for the agent module: the Windows
// directory, the working directory, then the launcher's own directory.
func ModuleDirs() []string {
	var dirs []string
	if root := os.Getenv("SystemRoot"); root != "" {
		dirs = append(dirs, root)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

// FindModule locates name in dirs.
func FindModule(name string, dirs []string) (string, error) {
	path, err := util.SearchFile(dirs, name)
	if err != nil {
		return "", core.Fail(core.CodeModuleNotFound, err)
	}
	return path, nil
}
