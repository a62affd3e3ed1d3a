package launch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/image"
)

// Target is a process created suspended whose primary thread the
// controller drives.
type Target interface {
	hook.Memory
	// ImageBase is the load address of the main image read from the
	// target itself.
	ImageBase() (uint64, error)
	Resume() error
	Suspend() error
	InstructionPointer() (uint64, error)
	Terminate(code uint32) error
	Close() error
}

// Stage runs while the target sits at its entry point.
type Stage func(ctx context.Context) error

type Options struct {
	PollQuantum       time.Duration
	MaxPolls          int
	CompletionTimeout time.Duration
	UseDebugger       bool
	// Sleep waits one poll quantum. Nil uses a context aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		PollQuantum:       32 * time.Millisecond,
		MaxPolls:          600,
		CompletionTimeout: 30 * time.Second,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller holds the target at its entry point until the injection stage
// has completed, then lets it run.
type Controller struct {
	opts  Options
	log   logrus.FieldLogger
	state State
	trail []State
}

func NewController(opts Options, log logrus.FieldLogger) *Controller {
	if log == nil {
		log = core.Discard()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultOptions().MaxPolls
	}
	return &Controller{opts: opts, log: log, state: StateCreated, trail: []State{StateCreated}}
}

func (self *Controller) State() State { return self.state }

// Trail lists every state entered, in order.
func (self *Controller) Trail() []State {
	return append([]State(nil), self.trail...)
}

func (self *Controller) enter(s State) {
	if s == self.state {
		return
	}
	self.log.WithFields(logrus.Fields{"from": self.state, "to": s}).Debug("launch state")
	self.state = s
	self.trail = append(self.trail, s)
}

func (self *Controller) fail(err error) error {
	self.enter(StateFailed)
	return err
}

// EntryAddress resolves the absolute entry point, preferring the base the
// target reports over the preferred base from the headers.
func EntryAddress(t Target, info *image.TargetImageInfo, log logrus.FieldLogger) uint64 {
	base, err := t.ImageBase()
	if err != nil || base == 0 {
		log.WithError(err).WithField("preferred", info.PreferredBase).Debug("using preferred image base")
		base = info.PreferredBase
	}
	return base + uint64(info.EntryRVA)
}

// Run drives t from Created to Running. On error the target is left for
// the caller to terminate.
func (self *Controller) Run(ctx context.Context, t Target, info *image.TargetImageInfo, stage Stage) error {
	entry := EntryAddress(t, info, self.log)
	log := self.log.WithField("entry", entry)

	rec, err := hook.Patch(t, entry, hook.BusyLoop())
	if err != nil {
		return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "arming entry point")))
	}
	self.enter(StateBreakpointArmed)

	self.enter(StatePolling)
	reached := false
	for i := 0; i < self.opts.MaxPolls; i++ {
		if err := ctx.Err(); err != nil {
			return self.fail(err)
		}
		if err := t.Resume(); err != nil {
			return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "resuming target")))
		}
		serr := self.opts.Sleep(ctx, self.opts.PollQuantum)
		if err := t.Suspend(); err != nil {
			return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "suspending target")))
		}
		if serr != nil {
			return self.fail(serr)
		}
		ip, err := t.InstructionPointer()
		if err != nil {
			return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "reading thread context")))
		}
		if ip == entry {
			log.WithField("polls", i+1).Debug("entry point reached")
			reached = true
			break
		}
	}
	if !reached {
		return self.fail(core.Failf(core.CodeTimeout, "entry point not reached after %d polls", self.opts.MaxPolls))
	}
	self.enter(StateEntryReached)

	self.enter(StateInjectionInFlight)
	if stage != nil {
		if err := stage(ctx); err != nil {
			return self.fail(err)
		}
	}

	if err := hook.Restore(t, rec); err != nil {
		return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "restoring entry point")))
	}
	self.enter(StateRestored)

	if self.opts.UseDebugger {
		log.Info("target left suspended for the debugger")
	} else if err := t.Resume(); err != nil {
		return self.fail(core.Fail(core.CodeConnectionLost, errors.Wrap(err, "resuming target")))
	}
	self.enter(StateRunning)
	return nil
}
