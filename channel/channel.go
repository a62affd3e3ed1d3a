package channel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carbonblack/lea/core"
)

const waitSlice = 50 * time.Millisecond

// Channel is the launcher side of the handoff. Whoever creates the config
// segment first holds the defaults; a later opener inherits them verbatim.
type Channel struct {
	log       logrus.FieldLogger
	config    Segment
	handshake Segment
	event     Event
	created   bool
}

// Open creates or attaches every named object the launcher needs.
func Open(host Host, log logrus.FieldLogger) (*Channel, error) {
	if log == nil {
		log = core.Discard()
	}
	cfg, created, err := host.OpenSegment(ConfigSegmentName, ConfigSize)
	if err != nil {
		return nil, errors.Wrap(err, "opening config segment")
	}
	hs, _, err := host.OpenSegment(HandshakeSegmentName, HandshakeSize)
	if err != nil {
		cfg.Close()
		return nil, errors.Wrap(err, "opening handshake segment")
	}
	ev, err := host.CreateEvent(CompletionEventName)
	if err != nil {
		cfg.Close()
		hs.Close()
		return nil, errors.Wrap(err, "creating completion event")
	}
	log.WithField("created", created).Debug("shared channel open")
	return &Channel{log: log, config: cfg, handshake: hs, event: ev, created: created}, nil
}

// Created reports whether this side created the config segment.
func (self *Channel) Created() bool { return self.created }

// Read decodes the config segment.
func (self *Channel) Read() (Config, error) {
	var c Config
	if err := c.UnmarshalBinary(self.config.Bytes()); err != nil {
		return Config{}, errors.Wrap(err, "config segment")
	}
	return c, nil
}

// Write stores c in the config segment.
func (self *Channel) Write(c Config) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	copy(self.config.Bytes(), b)
	return nil
}

// Resolve performs this side's single pass over the config segment: the
// creator writes local, an attacher returns the peer's values.
func (self *Channel) Resolve(local Config) (Config, error) {
	if self.created {
		return local, self.Write(local)
	}
	return self.Read()
}

// PublishHandshake records where the payload lives in the target.
func (self *Channel) PublishHandshake(addr uint64) error {
	b, _ := Handshake{Status: StatusPublished, Address: addr}.MarshalBinary()
	copy(self.handshake.Bytes(), b)
	self.log.WithField("address", addr).Debug("handshake published")
	return nil
}

// ClearHandshake resets the handshake so a stale record is never reused.
func (self *Channel) ClearHandshake() {
	b := self.handshake.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// Wait blocks until the agent signals completion, timeout elapses or ctx is
// done. A timeout returns core.ErrTimeout.
func (self *Channel) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return core.Failf(core.CodeTimeout, "no completion signal within %s", timeout)
		}
		if left > waitSlice {
			left = waitSlice
		}
		ok, err := self.event.Wait(left)
		if err != nil {
			return core.Fail(core.CodeConnectionLost, err)
		}
		if ok {
			return self.agentResult()
		}
	}
}

// agentResult turns a handshake the agent marked failed into an error.
func (self *Channel) agentResult() error {
	var h Handshake
	if err := h.UnmarshalBinary(self.handshake.Bytes()); err != nil {
		return nil
	}
	if h.Status == StatusFailed {
		return core.Failf(core.CodeConnectionLost, "agent at 0x%x could not install its hooks", h.Address)
	}
	return nil
}

func (self *Channel) Close() error {
	self.event.Close()
	self.handshake.Close()
	return self.config.Close()
}

// AcquireInstance takes the single instance mutex.
func AcquireInstance(host Host) (func() error, error) {
	release, err := host.AcquireMutex(InstanceMutexName)
	if err == ErrAlreadyExists {
		return nil, core.Fail(core.CodeMultipleInstances, err)
	}
	if err != nil {
		return nil, core.Fail(core.CodeUnknown, err)
	}
	return release, nil
}

// Peer is the agent side view of the channel. Every object is optional: a
// target started without a launcher finds none of them.
type Peer struct {
	host Host
	log  logrus.FieldLogger
}

func NewPeer(host Host, log logrus.FieldLogger) *Peer {
	if log == nil {
		log = core.Discard()
	}
	return &Peer{host: host, log: log}
}

// Config reads the config segment when a peer created it.
func (self *Peer) Config() (Config, error) {
	seg, err := self.host.AttachSegment(ConfigSegmentName, ConfigSize)
	if err != nil {
		return Config{}, err
	}
	defer seg.Close()
	var c Config
	if err := c.UnmarshalBinary(seg.Bytes()); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Handshake reads and validates the handshake record.
func (self *Peer) Handshake() (Handshake, error) {
	seg, err := self.host.AttachSegment(HandshakeSegmentName, HandshakeSize)
	if err != nil {
		return Handshake{}, err
	}
	defer seg.Close()
	var h Handshake
	if err := h.UnmarshalBinary(seg.Bytes()); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// MarkLoaded flips a published handshake to loaded.
func (self *Peer) MarkLoaded(h Handshake) error {
	return self.mark(h, StatusLoaded)
}

// MarkFailed tells the launcher the agent gave up. It still has to Signal.
func (self *Peer) MarkFailed(h Handshake) error {
	return self.mark(h, StatusFailed)
}

func (self *Peer) mark(h Handshake, status Status) error {
	seg, err := self.host.AttachSegment(HandshakeSegmentName, HandshakeSize)
	if err != nil {
		return err
	}
	defer seg.Close()
	h.Status = status
	b, _ := h.MarshalBinary()
	copy(seg.Bytes(), b)
	return nil
}

// Signal sets the completion event once.
func (self *Peer) Signal() error {
	ev, err := self.host.OpenEvent(CompletionEventName)
	if err != nil {
		return err
	}
	defer ev.Close()
	return ev.Set()
}
