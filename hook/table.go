package hook

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/core"
)

// Entry is one row of a declarative hook table.
type Entry struct {
	Module string
	Symbol string
	// Replacement is the address the trampoline jumps to. A zero
	// replacement marks an entry that is catalogued but not bound on this
	// platform.
	Replacement uint64
	// Guarded entries share the conversion owner lock.
	Guarded bool
}

func (self Entry) Name() string {
	return self.Module + "!" + self.Symbol
}

// Resolver finds exported entries in the current address space.
type Resolver interface {
	Lookup(module, symbol string) (uint64, bool)
}

// Report summarizes one Install pass.
type Report struct {
	Installed []string
	Skipped   []string
	Failed    map[string]error
}

// Installer applies a hook table. Each resolved entry carries at most one
// trampoline.
type Installer struct {
	Mem     Memory
	Resolve Resolver
	Log     logrus.FieldLogger

	mu      sync.Mutex
	records map[uint64]*Record
}

func NewInstaller(mem Memory, resolve Resolver, log logrus.FieldLogger) *Installer {
	if log == nil {
		log = core.Discard()
	}
	return &Installer{Mem: mem, Resolve: resolve, Log: log, records: make(map[uint64]*Record)}
}

// Install walks entries in order. Entries whose module or symbol is absent
// are skipped; a failed entry does not stop the rest.
func (self *Installer) Install(entries []Entry) *Report {
	self.mu.Lock()
	defer self.mu.Unlock()

	rep := &Report{Failed: make(map[string]error)}
	for _, e := range entries {
		log := self.Log.WithField("hook", e.Name())
		if e.Replacement == 0 {
			rep.Skipped = append(rep.Skipped, e.Name())
			log.Debug("no replacement bound")
			continue
		}
		addr, ok := self.Resolve.Lookup(e.Module, e.Symbol)
		if !ok || addr == 0 {
			rep.Skipped = append(rep.Skipped, e.Name())
			log.Debug("entry not present")
			continue
		}
		if prev, ok := self.records[addr]; ok {
			if prev.Replacement != e.Replacement {
				rep.Failed[e.Name()] = errors.Wrapf(ErrDoubleHook, "%s at 0x%x", e.Name(), addr)
				log.Warn("entry already hooked")
			}
			continue
		}
		rec, err := Trampoline(self.Mem, addr, e.Replacement)
		if err != nil {
			rep.Failed[e.Name()] = err
			log.WithError(err).Warn("hook not installed")
			continue
		}
		rec.Name = e.Name()
		self.records[addr] = rec
		rep.Installed = append(rep.Installed, e.Name())
		log.WithField("target", addr).Debug("hook installed")
	}
	return rep
}

// Records returns the applied patches.
func (self *Installer) Records() []*Record {
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make([]*Record, 0, len(self.records))
	for _, r := range self.records {
		out = append(out, r)
	}
	return out
}
