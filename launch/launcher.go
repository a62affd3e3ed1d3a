package launch

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/image"
	"github.com/carbonblack/lea/inject"
)

// Process is a suspended target that can also receive an injection.
type Process interface {
	Target
	inject.RemoteProcess
}

// Spawner creates the target suspended.
type Spawner interface {
	Spawn(info *image.TargetImageInfo, workDir string) (Process, error)
}

// Launcher ties validation, the shared channel, injection and the
// controller together for one invocation.
type Launcher struct {
	Host       channel.Host
	Validator  *image.Validator
	Spawner    Spawner
	Injector   *inject.Injector
	Options    Options
	Defaults   channel.Config
	ModuleDirs []string
	Log        logrus.FieldLogger

	// Controller of the last Launch, kept for inspection.
	Controller *Controller
}

// Result describes a successful launch.
type Result struct {
	Info       *image.TargetImageInfo
	Config     channel.Config
	ModulePath string
	Payload    uint64
}

// Launch runs the whole sequence. Any failure after the target exists
// terminates it with the failure code.
func (self *Launcher) Launch(ctx context.Context, req Request) (*Result, error) {
	log := self.Log
	if log == nil {
		log = core.Discard()
	}

	release, err := channel.AcquireInstance(self.Host)
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := self.Validator.Validate(req.Target, req.AppArgs)
	if err != nil {
		return nil, err
	}
	log.WithField("image", info.String()).Info("target validated")

	ch, err := channel.Open(self.Host, log)
	if err != nil {
		return nil, core.Fail(core.CodeUnknown, err)
	}
	defer ch.Close()

	cfg, err := ch.Resolve(req.Overrides.Apply(self.Defaults))
	if err != nil {
		return nil, core.Fail(core.CodeConnectionLost, err)
	}
	cfg = req.Overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, core.Fail(core.CodeUnknown, err)
	}
	log.WithFields(logrus.Fields{
		"codepage": cfg.CodePage, "locale": cfg.LocaleID, "timezone": cfg.TimezoneOffset, "module": cfg.ModuleName,
	}).Info("configuration resolved")

	modulePath, err := inject.FindModule(cfg.ModuleName, self.ModuleDirs)
	if err != nil {
		return nil, err
	}
	ch.ClearHandshake()

	workDir := ""
	if req.SetWorkDir {
		workDir = filepath.Dir(info.Path)
	}
	proc, err := self.Spawner.Spawn(info, workDir)
	if err != nil {
		if core.CodeOf(err) == core.CodeUnknown {
			err = core.Fail(core.CodeProcessCreate, err)
		}
		return nil, err
	}
	defer proc.Close()

	opts := self.Options
	opts.UseDebugger = opts.UseDebugger || req.UseDebugger
	self.Controller = NewController(opts, log)

	res := &Result{Info: info, Config: cfg, ModulePath: modulePath}
	stage := func(ctx context.Context) error {
		addr, err := self.Injector.Inject(ctx, proc, ch, modulePath, cfg)
		if err != nil {
			return err
		}
		res.Payload = addr
		return ch.Wait(ctx, opts.CompletionTimeout)
	}

	if err := self.Controller.Run(ctx, proc, info, stage); err != nil {
		code := core.CodeOf(err)
		if terr := proc.Terminate(uint32(int32(code))); terr != nil {
			log.WithError(terr).Warn("terminating target")
		}
		if code == core.CodeUnknown {
			err = core.Fail(core.CodeUnknown, errors.Wrap(err, "launch aborted"))
		}
		return nil, err
	}
	return res, nil
}
