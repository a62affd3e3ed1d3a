// Package agent is the side of the handoff that runs inside the target. It
// settles the configuration, installs the catalog and tells the launcher it
// is done.
package agent

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/inject"
	"github.com/carbonblack/lea/locale"
)

// Source tells where the configuration came from.
type Source int

const (
	SourceDefaults Source = iota
	SourceSegment
	SourceHandshake
)

func (self Source) String() string {
	switch self {
	case SourceHandshake:
		return "handshake"
	case SourceSegment:
		return "segment"
	}
	return "defaults"
}

// Binder produces the replacement addresses for a state. It runs once.
type Binder func(state *locale.State) Bindings

// Worker performs the agent's one shot initialization.
type Worker struct {
	Peer *channel.Peer
	// ReadMem reads the address space holding the payload.
	ReadMem  func(addr uint64, n int) ([]byte, error)
	Mem      hook.Memory
	Resolver hook.Resolver
	Detector locale.Detector
	Bind     Binder
	// Shadows, when set, is primed for the initializing thread.
	Shadows *hook.ShadowTables
	Thread  func() uint32
	Log     logrus.FieldLogger

	Config channel.Config
	Source Source
	State  *locale.State
	Report *hook.Report

	once     sync.Once
	err      error
	resolved atomic.Bool
	bias     atomic.Int32
}

// DefaultConfig is what the agent runs with when no launcher is around.
func DefaultConfig() channel.Config {
	return channel.DefaultConfig()
}

func normalize(c channel.Config) channel.Config {
	if c.MaxWait == 0 {
		c.MaxWait = channel.DefaultMaxWait
	}
	if c.CodePage == 0 {
		c.CodePage = channel.DefaultCodePage
	}
	if c.LocaleID == 0 {
		c.LocaleID = channel.DefaultLocaleID
	}
	c.Flags &= channel.FlagMask
	return c
}

// ResolveConfig picks the payload behind a published handshake, then the
// config segment, then the defaults. The handshake is returned when it was
// used.
func (self *Worker) ResolveConfig() (channel.Config, Source, *channel.Handshake) {
	log := self.log()
	if self.Peer != nil {
		h, err := self.Peer.Handshake()
		switch {
		case err != nil:
			log.WithError(err).Debug("no handshake")
		case h.Status != channel.StatusPublished:
			log.WithField("status", h.Status).Debug("handshake already consumed")
		case self.ReadMem == nil:
			log.Debug("no payload reader")
		default:
			p, err := inject.ReadPayload(self.ReadMem, h.Address)
			if err == nil {
				return normalize(p.Config), SourceHandshake, &h
			}
			log.WithError(err).Warn("payload unreadable")
		}

		if c, err := self.Peer.Config(); err == nil {
			return normalize(c), SourceSegment, nil
		}
	}
	return normalize(DefaultConfig()), SourceDefaults, nil
}

// TimezoneBias is the bias the agent reports. Until the configuration is
// resolved it answers with the preload bias.
func (self *Worker) TimezoneBias() int32 {
	if !self.resolved.Load() {
		return channel.PreloadTimezoneOffset
	}
	return self.bias.Load()
}

func (self *Worker) log() logrus.FieldLogger {
	if self.Log == nil {
		self.Log = core.Discard()
	}
	return self.Log
}

// Run initializes once; later calls return the first result.
func (self *Worker) Run() error {
	self.once.Do(func() { self.err = self.run() })
	return self.err
}

func (self *Worker) run() error {
	log := self.log()
	cfg, src, hs := self.ResolveConfig()
	self.Config, self.Source = cfg, src
	self.State = locale.New(cfg, self.Detector)
	self.bias.Store(self.State.TimezoneBias)
	self.resolved.Store(true)
	log.WithFields(logrus.Fields{"source": src, "state": self.State.String()}).Info("locale configured")

	var bind Bindings
	if self.Bind != nil {
		bind = self.Bind(self.State)
	}
	if self.Mem != nil && self.Resolver != nil {
		inst := hook.NewInstaller(self.Mem, self.Resolver, log)
		self.Report = inst.Install(Entries(bind))
		log.WithFields(logrus.Fields{
			"installed": len(self.Report.Installed),
			"skipped":   len(self.Report.Skipped),
			"failed":    len(self.Report.Failed),
		}).Info("catalog installed")
	}

	if self.Shadows != nil && self.Thread != nil {
		self.Shadows.For(self.Thread())
	}

	// any hook that failed to install fails the rendezvous
	var failed error
	if self.Report != nil && len(self.Report.Failed) > 0 {
		failed = core.Failf(core.CodeConnectionLost, "%d of %d hooks could not be installed",
			len(self.Report.Failed), len(self.Report.Failed)+len(self.Report.Installed))
		for name, err := range self.Report.Failed {
			log.WithError(err).WithField("hook", name).Error("hook failed")
		}
	}

	if self.Peer == nil {
		return failed
	}
	if failed != nil {
		// without a handshake there is nothing to mark; the launcher
		// times out instead of seeing a success
		if hs == nil {
			return failed
		}
		if err := self.Peer.MarkFailed(*hs); err != nil {
			log.WithError(err).Warn("marking handshake")
		}
	} else if hs != nil {
		if err := self.Peer.MarkLoaded(*hs); err != nil {
			log.WithError(err).Warn("marking handshake")
		}
	}
	if err := self.Peer.Signal(); err != nil {
		if errors.Cause(err) == channel.ErrNotFound {
			log.Debug("no launcher waiting")
			return failed
		}
		return errors.Wrap(err, "signalling launcher")
	}
	return failed
}

// Detach drops per thread state at module unload.
func (self *Worker) Detach() {
	if self.Shadows != nil {
		self.Shadows.ReleaseAll()
	}
}
