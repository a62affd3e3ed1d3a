package channel

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemHost keeps named objects inside the current process. Two holders of the
// same MemHost see the same objects, which is how the emulated target and the
// tests stand in for two real processes.
type MemHost struct {
	mu       sync.Mutex
	segments map[string]*memSegment
	events   map[string]*memEvent
	mutexes  map[string]bool
}

func NewMemHost() *MemHost {
	return &MemHost{
		segments: make(map[string]*memSegment),
		events:   make(map[string]*memEvent),
		mutexes:  make(map[string]bool),
	}
}

type memSegment struct {
	host *MemHost
	name string
	buf  []byte
	refs int
}

type memView struct {
	seg    *memSegment
	closed bool
}

func (self *memView) Bytes() []byte { return self.seg.buf }

func (self *memView) Close() error {
	h := self.seg.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	self.seg.refs--
	if self.seg.refs == 0 {
		delete(h.segments, self.seg.name)
	}
	return nil
}

func (self *MemHost) OpenSegment(name string, size int) (Segment, bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if seg, ok := self.segments[name]; ok {
		if len(seg.buf) < size {
			return nil, false, errors.Errorf("segment %s is %d bytes, need %d", name, len(seg.buf), size)
		}
		seg.refs++
		return &memView{seg: seg}, false, nil
	}
	seg := &memSegment{host: self, name: name, buf: make([]byte, size), refs: 1}
	self.segments[name] = seg
	return &memView{seg: seg}, true, nil
}

func (self *MemHost) AttachSegment(name string, size int) (Segment, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	seg, ok := self.segments[name]
	if !ok {
		return nil, ErrNotFound
	}
	if len(seg.buf) < size {
		return nil, errors.Errorf("segment %s is %d bytes, need %d", name, len(seg.buf), size)
	}
	seg.refs++
	return &memView{seg: seg}, nil
}

type memEvent struct {
	host *MemHost
	name string
	ch   chan struct{}
	refs int
}

type memEventHandle struct {
	ev     *memEvent
	closed bool
}

func (self *memEventHandle) Set() error {
	select {
	case self.ev.ch <- struct{}{}:
	default:
	}
	return nil
}

func (self *memEventHandle) Wait(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-self.ev.ch:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

func (self *memEventHandle) Close() error {
	h := self.ev.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	self.ev.refs--
	if self.ev.refs == 0 {
		delete(h.events, self.ev.name)
	}
	return nil
}

func (self *MemHost) CreateEvent(name string) (Event, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	ev, ok := self.events[name]
	if !ok {
		ev = &memEvent{host: self, name: name, ch: make(chan struct{}, 1)}
		self.events[name] = ev
	}
	ev.refs++
	return &memEventHandle{ev: ev}, nil
}

func (self *MemHost) OpenEvent(name string) (Event, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	ev, ok := self.events[name]
	if !ok {
		return nil, ErrNotFound
	}
	ev.refs++
	return &memEventHandle{ev: ev}, nil
}

func (self *MemHost) AcquireMutex(name string) (func() error, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.mutexes[name] {
		return nil, ErrAlreadyExists
	}
	self.mutexes[name] = true
	var once sync.Once
	return func() error {
		once.Do(func() {
			self.mu.Lock()
			delete(self.mutexes, name)
			self.mu.Unlock()
		})
		return nil
	}, nil
}
