package hook_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/carbonblack/lea/hook"
)

type fakeMem struct {
	base     uint64
	buf      []byte
	prot     uint32
	writes   int
	flushes  int
	protects []uint32
}

func newFakeMem(base uint64, size int) *fakeMem {
	return &fakeMem{base: base, buf: make([]byte, size), prot: 0x20}
}

func (self *fakeMem) check(addr uint64, n int) error {
	if addr < self.base || addr+uint64(n) > self.base+uint64(len(self.buf)) {
		return errors.Errorf("0x%x unmapped", addr)
	}
	return nil
}

func (self *fakeMem) Read(addr uint64, n int) ([]byte, error) {
	if err := self.check(addr, n); err != nil {
		return nil, err
	}
	off := addr - self.base
	return append([]byte(nil), self.buf[off:off+uint64(n)]...), nil
}

func (self *fakeMem) Write(addr uint64, b []byte) error {
	if err := self.check(addr, len(b)); err != nil {
		return err
	}
	if self.prot != hook.ProtectExecuteReadWrite {
		return errors.New("write to protected page")
	}
	self.writes++
	copy(self.buf[addr-self.base:], b)
	return nil
}

func (self *fakeMem) Protect(addr uint64, n int, prot uint32) (uint32, error) {
	if err := self.check(addr, n); err != nil {
		return 0, err
	}
	old := self.prot
	self.prot = prot
	self.protects = append(self.protects, prot)
	return old, nil
}

func (self *fakeMem) FlushInstructionCache(addr uint64, n int) error {
	self.flushes++
	return nil
}

type fakeResolver map[string]uint64

func (self fakeResolver) Lookup(module, symbol string) (uint64, bool) {
	a, ok := self[module+"!"+symbol]
	return a, ok
}

func TestEncodeJump(t *testing.T) {
	code, err := hook.EncodeJump(0x401000, 0x402000)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}
	if !bytes.Equal(code, want) {
		t.Errorf("jump % x, want % x", code, want)
	}
	if err := hook.VerifyJump(code, 0x401000, 0x402000); err != nil {
		t.Errorf("VerifyJump: %v", err)
	}
	if err := hook.VerifyJump(code, 0x401000, 0x403000); err == nil {
		t.Errorf("VerifyJump should reject wrong destination")
	}

	back, _ := hook.EncodeJump(0x402000, 0x401000)
	if err := hook.VerifyJump(back, 0x402000, 0x401000); err != nil {
		t.Errorf("backward jump: %v", err)
	}

	if _, err := hook.EncodeJump(0x10000, 0x10000+1<<32); errors.Cause(err) != hook.ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestPatchRestoresProtection(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	copy(mem.buf[0x10:], []byte{0x55, 0x8b, 0xec, 0x83, 0xec})

	rec, err := hook.Trampoline(mem, 0x1010, 0x1080)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Original, []byte{0x55, 0x8b, 0xec, 0x83, 0xec}) {
		t.Errorf("original bytes % x", rec.Original)
	}
	if mem.buf[0x10] != 0xe9 {
		t.Errorf("trampoline not written")
	}
	if mem.prot != 0x20 {
		t.Errorf("protection not restored: 0x%x", mem.prot)
	}
	if mem.flushes != 1 {
		t.Errorf("instruction cache flushed %d times", mem.flushes)
	}

	if err := hook.Restore(mem, rec); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.buf[0x10:0x15], []byte{0x55, 0x8b, 0xec, 0x83, 0xec}) {
		t.Errorf("restore wrote % x", mem.buf[0x10:0x15])
	}
}

func TestTrampolineTouchesOnlyItsBytes(t *testing.T) {
	mem := newFakeMem(0x1000, 0x40)
	for i := range mem.buf {
		mem.buf[i] = byte(0xa0 + i)
	}
	before := append([]byte(nil), mem.buf...)

	rec, err := hook.Trampoline(mem, 0x1010, 0x1030)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.buf[:0x10], before[:0x10]) || !bytes.Equal(mem.buf[0x15:], before[0x15:]) {
		t.Errorf("bytes around the trampoline changed\n got % x\nwant % x", mem.buf, before)
	}
	if err := hook.Restore(mem, rec); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.buf, before) {
		t.Errorf("restore left\n got % x\nwant % x", mem.buf, before)
	}
}

func TestPatchIdempotent(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	if _, err := hook.Trampoline(mem, 0x1000, 0x1040); err != nil {
		t.Fatal(err)
	}
	writes, protects := mem.writes, len(mem.protects)
	snapshot := append([]byte(nil), mem.buf...)

	rec, err := hook.Trampoline(mem, 0x1000, 0x1040)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Reapplied {
		t.Errorf("second application should be a no-op")
	}
	if mem.writes != writes || len(mem.protects) != protects || !bytes.Equal(snapshot, mem.buf) {
		t.Errorf("second application changed state")
	}
}

func TestBusyLoopPatch(t *testing.T) {
	mem := newFakeMem(0x400000, 0x2000)
	copy(mem.buf[0x1000:], []byte{0x6a, 0x60})
	rec, err := hook.Patch(mem, 0x401000, hook.BusyLoop())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.buf[0x1000:0x1002], []byte{0xeb, 0xfe}) {
		t.Errorf("busy loop not written")
	}
	hook.Restore(mem, rec)
	if !bytes.Equal(mem.buf[0x1000:0x1002], []byte{0x6a, 0x60}) {
		t.Errorf("entry not restored: % x", mem.buf[0x1000:0x1002])
	}
}

func TestInstallerSkipsAbsent(t *testing.T) {
	mem := newFakeMem(0x10000, 0x1000)
	res := fakeResolver{
		"kernel32.dll!GetACP":   0x10100,
		"kernel32.dll!GetOEMCP": 0x10200,
	}
	inst := hook.NewInstaller(mem, res, nil)
	rep := inst.Install([]hook.Entry{
		{Module: "kernel32.dll", Symbol: "GetACP", Replacement: 0x10800},
		{Module: "kernel32.dll", Symbol: "Missing", Replacement: 0x10900},
		{Module: "nosuch.dll", Symbol: "GetACP", Replacement: 0x10a00},
		{Module: "kernel32.dll", Symbol: "GetOEMCP", Replacement: 0x10b00},
		{Module: "kernel32.dll", Symbol: "GetThreadLocale"},
	})
	if len(rep.Installed) != 2 {
		t.Errorf("installed %v", rep.Installed)
	}
	if len(rep.Skipped) != 3 {
		t.Errorf("skipped %v", rep.Skipped)
	}
	if len(rep.Failed) != 0 {
		t.Errorf("failed %v", rep.Failed)
	}
	if len(inst.Records()) != 2 {
		t.Errorf("records %d", len(inst.Records()))
	}
}

func TestInstallerSingleTrampoline(t *testing.T) {
	mem := newFakeMem(0x10000, 0x1000)
	res := fakeResolver{"kernel32.dll!GetACP": 0x10100}
	inst := hook.NewInstaller(mem, res, nil)

	e := hook.Entry{Module: "kernel32.dll", Symbol: "GetACP", Replacement: 0x10800}
	inst.Install([]hook.Entry{e})
	writes := mem.writes
	rep := inst.Install([]hook.Entry{e})
	if mem.writes != writes || len(rep.Failed) != 0 {
		t.Errorf("reinstalling the same entry should not write")
	}

	e.Replacement = 0x10900
	rep = inst.Install([]hook.Entry{e})
	if errors.Cause(rep.Failed[e.Name()]) != hook.ErrDoubleHook {
		t.Errorf("expected ErrDoubleHook, got %v", rep.Failed)
	}
}

func TestOwnerLockReentrant(t *testing.T) {
	var l hook.OwnerLock
	if !l.Acquire(7) {
		t.Fatalf("first acquire should claim")
	}
	if l.Acquire(7) {
		t.Errorf("owner re-entry should report reentrant")
	}
	inner := l.Guard(7, func(reentrant bool) uintptr {
		if !reentrant {
			t.Errorf("guard inside owner should be reentrant")
		}
		return 1
	})
	if inner != 1 || l.Owner() != 7 {
		t.Errorf("re-entrant guard released the lock")
	}
	l.Release(7)
	if l.Owner() != 0 {
		t.Errorf("lock not released")
	}
}

func TestOwnerLockExcludes(t *testing.T) {
	var l hook.OwnerLock
	l.Acquire(1)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Guard(2, func(reentrant bool) uintptr {
			if reentrant {
				t.Errorf("other thread must not be reentrant")
			}
			close(acquired)
			return 0
		})
	}()

	select {
	case <-acquired:
		t.Fatalf("second thread entered while the lock was held")
	case <-time.After(30 * time.Millisecond):
	}
	l.Release(1)
	wg.Wait()
	if l.Owner() != 0 {
		t.Errorf("lock left held by %d", l.Owner())
	}
}

func TestShadowTablesPerThread(t *testing.T) {
	queries := 0
	tables := hook.NewShadowTables(func(class string) hook.ProcPair {
		queries++
		return hook.ProcPair{Ansi: uintptr(len(class)), Wide: uintptr(len(class) + 100)}
	})

	a := tables.For(10)
	if queries != len(hook.ShadowClasses) {
		t.Errorf("table built with %d queries", queries)
	}
	if tables.For(10) != a {
		t.Errorf("second access built a new table")
	}
	if queries != len(hook.ShadowClasses) {
		t.Errorf("second access queried again")
	}
	b := tables.For(11)
	if a == b {
		t.Errorf("threads share a table")
	}

	a.Set("edit", hook.ProcPair{Ansi: 0xaaaa, Wide: 0xbbbb})
	if b.Get("EDIT", false) == 0xaaaa {
		t.Errorf("write leaked into another thread")
	}
	if a.Get("EDIT", true) != 0xbbbb {
		t.Errorf("wide proc %x", a.Get("EDIT", true))
	}
	if a.Get("tooltips_class32", false) != uintptr(len("tooltips_class32")) {
		t.Errorf("initial proc not recorded")
	}

	tables.Release(10)
	if tables.Len() != 1 {
		t.Errorf("release left %d tables", tables.Len())
	}
	tables.ReleaseAll()
	if tables.Len() != 0 {
		t.Errorf("release all left %d tables", tables.Len())
	}
}
