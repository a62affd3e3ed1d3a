package hook

import (
	"runtime"
	"sync/atomic"
)

// OwnerLock is a single slot busy flag naming the thread that owns it. A
// thread re-entering while it is the owner is told so instead of blocking;
// any other thread yields until the slot is clear.
type OwnerLock struct {
	owner atomic.Uint32
}

// Acquire claims the lock for tid. It returns false when tid already owns
// it, in which case the caller runs re-entrantly and must not Release.
func (self *OwnerLock) Acquire(tid uint32) bool {
	for {
		if self.owner.CompareAndSwap(0, tid) {
			return true
		}
		if self.owner.Load() == tid {
			return false
		}
		runtime.Gosched()
	}
}

func (self *OwnerLock) Release(tid uint32) {
	self.owner.CompareAndSwap(tid, 0)
}

// Owner returns the owning thread id, 0 when free.
func (self *OwnerLock) Owner() uint32 {
	return self.owner.Load()
}

// Guard runs fn under the lock. reentrant tells fn it was entered from a
// frame that already holds the lock.
func (self *OwnerLock) Guard(tid uint32, fn func(reentrant bool) uintptr) uintptr {
	if !self.Acquire(tid) {
		return fn(true)
	}
	defer self.Release(tid)
	return fn(false)
}
