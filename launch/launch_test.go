package launch_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/image"
	"github.com/carbonblack/lea/inject"
	"github.com/carbonblack/lea/launch"
	"github.com/carbonblack/lea/pefile"
)

func TestParseInt(t *testing.T) {
	cases := map[string]int64{
		"932":   932,
		"-540":  -540,
		"1x2":   12,
		"":      0,
		"abc":   0,
		"-":     0,
		"0x10":  10,
		"00042": 42,
	}
	for in, want := range cases {
		if got := launch.ParseInt(in); got != want {
			t.Errorf("ParseInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseArgs(t *testing.T) {
	req := launch.ParseArgs([]string{`C:\app.exe`, "C936", "L2052", "Q-480", "P1", "S4", "A'a b' c", "D", "T", "Zignored", "R250", "M107"})
	if req.Target != `C:\app.exe` {
		t.Errorf("target %q", req.Target)
	}
	if req.AppArgs != `"a b" c` {
		t.Errorf("app args %q", req.AppArgs)
	}
	if !req.UseDebugger || !req.SetWorkDir || !req.ShowErrors {
		t.Errorf("switches %+v", req)
	}

	cfg := req.Overrides.Apply(channel.DefaultConfig())
	want := channel.Config{Flags: 5, CodePage: 936, LocaleID: 2052, TimezoneOffset: -480, MaxWait: 250, ModuleName: "leak.dll"}
	if cfg != want {
		t.Errorf("applied %+v, want %+v", cfg, want)
	}
	if again := req.Overrides.Apply(cfg); again != cfg {
		t.Errorf("apply is not idempotent: %+v", again)
	}
}

func TestParseArgsSwitches(t *testing.T) {
	req := launch.ParseArgs([]string{"x.exe", "E0", "V0", "Fmine.dll", "M107"})
	if req.ShowErrors || req.SetWorkDir {
		t.Errorf("switches %+v", req)
	}
	cfg := req.Overrides.Apply(channel.DefaultConfig())
	if cfg.ModuleName != "mine.dll" {
		t.Errorf("explicit module name should win over type, got %q", cfg.ModuleName)
	}

	req = launch.ParseArgs([]string{"x.exe", "Fcustom"})
	want := channel.Config{CodePage: 932, LocaleID: 1041, TimezoneOffset: -540, MaxWait: 100, ModuleName: "custom"}
	if cfg := req.Overrides.Apply(channel.DefaultConfig()); cfg != want {
		t.Errorf("custom module %+v, want %+v", cfg, want)
	}

	if req := launch.ParseArgs(nil); req.Target != "" {
		t.Errorf("empty args gave target %q", req.Target)
	}
}

// fakeTarget behaves like a suspended thread walking towards its entry. Each
// resume advances the instruction pointer one step; once it hits a busy loop
// it stays there.
type fakeTarget struct {
	base      uint64
	mem       map[uint64]byte
	path      []uint64
	step      int
	suspended bool
	events    []string
	resumeErr error
	noBase    bool
	loader    func(arg uint64)
	allocs    uint64
}

func newFakeTarget(base uint64, path []uint64) *fakeTarget {
	return &fakeTarget{base: base, mem: make(map[uint64]byte), path: path, suspended: true, allocs: 0x7f0000}
}

func (self *fakeTarget) ip() uint64 {
	if self.step < len(self.path) {
		return self.path[self.step]
	}
	return self.path[len(self.path)-1]
}

func (self *fakeTarget) ImageBase() (uint64, error) {
	if self.noBase {
		return 0, errors.New("no PEB")
	}
	return self.base, nil
}

func (self *fakeTarget) Resume() error {
	if self.resumeErr != nil {
		return self.resumeErr
	}
	self.events = append(self.events, "resume")
	self.suspended = false
	cur := self.ip()
	if self.mem[cur] == 0xeb && self.mem[cur+1] == 0xfe {
		return nil
	}
	self.step++
	return nil
}

func (self *fakeTarget) Suspend() error {
	self.events = append(self.events, "suspend")
	self.suspended = true
	return nil
}

func (self *fakeTarget) InstructionPointer() (uint64, error) { return self.ip(), nil }

func (self *fakeTarget) Terminate(code uint32) error {
	self.events = append(self.events, "terminate")
	return nil
}

func (self *fakeTarget) Close() error { return nil }

func (self *fakeTarget) Read(addr uint64, n int) ([]byte, error) {
	b := make([]byte, n)
	for i := range b {
		b[i] = self.mem[addr+uint64(i)]
	}
	return b, nil
}

func (self *fakeTarget) Write(addr uint64, b []byte) error {
	self.events = append(self.events, "write")
	for i, c := range b {
		self.mem[addr+uint64(i)] = c
	}
	return nil
}

func (self *fakeTarget) Protect(addr uint64, n int, prot uint32) (uint32, error) { return 0x20, nil }

func (self *fakeTarget) FlushInstructionCache(addr uint64, n int) error { return nil }

func (self *fakeTarget) Alloc(size int) (uint64, error) {
	addr := self.allocs
	self.allocs += 0x1000
	return addr, nil
}

func (self *fakeTarget) WriteMemory(addr uint64, b []byte) error {
	for i, c := range b {
		self.mem[addr+uint64(i)] = c
	}
	return nil
}

func (self *fakeTarget) LoaderAddress() (uint64, error) { return 0x77000000, nil }

func (self *fakeTarget) StartThread(entry, arg uint64) error {
	self.events = append(self.events, "thread")
	if self.loader != nil {
		go self.loader(arg)
	}
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func fastOptions() launch.Options {
	opts := launch.DefaultOptions()
	opts.Sleep = noSleep
	opts.CompletionTimeout = 2 * time.Second
	return opts
}

var entryCode = []byte{0x55, 0x8b, 0xec}

func i386Info() *image.TargetImageInfo {
	return &image.TargetImageInfo{Path: "app.exe", Machine: pefile.MachineI386, PreferredBase: 0x400000, EntryRVA: 0x1000}
}

func TestControllerRun(t *testing.T) {
	ft := newFakeTarget(0x400000, []uint64{0x7c900000, 0x7c900010, 0x401000})
	ft.WriteMemory(0x401000, entryCode)

	ctl := launch.NewController(fastOptions(), nil)
	staged := false
	err := ctl.Run(context.Background(), ft, i386Info(), func(ctx context.Context) error {
		if ip, _ := ft.InstructionPointer(); ip != 0x401000 {
			t.Errorf("stage ran with ip 0x%x", ip)
		}
		if !ft.suspended {
			t.Errorf("stage ran while the target was running")
		}
		staged = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !staged {
		t.Errorf("stage did not run")
	}
	if b, _ := ft.Read(0x401000, 3); !bytes.Equal(b, entryCode) {
		t.Errorf("entry bytes not restored: % x", b)
	}
	if ctl.State() != launch.StateRunning || ft.suspended {
		t.Errorf("final state %s suspended=%v", ctl.State(), ft.suspended)
	}
	if last := ft.events[len(ft.events)-1]; last != "resume" {
		t.Errorf("last event %s", last)
	}
	// the restore write must precede the final resume
	if ft.events[len(ft.events)-2] != "write" {
		t.Errorf("events %v", ft.events)
	}

	want := []launch.State{launch.StateCreated, launch.StateBreakpointArmed, launch.StatePolling,
		launch.StateEntryReached, launch.StateInjectionInFlight, launch.StateRestored, launch.StateRunning}
	trail := ctl.Trail()
	if len(trail) != len(want) {
		t.Fatalf("trail %v", trail)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Errorf("trail[%d] = %s, want %s", i, trail[i], want[i])
		}
	}
}

func TestControllerNeverReached(t *testing.T) {
	ft := newFakeTarget(0x400000, []uint64{0x7c900000})
	ft.WriteMemory(0x7c900000, []byte{0xeb, 0xfe})
	opts := fastOptions()
	opts.MaxPolls = 5

	ctl := launch.NewController(opts, nil)
	err := ctl.Run(context.Background(), ft, i386Info(), nil)
	if core.CodeOf(err) != core.CodeTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
	if ctl.State() != launch.StateFailed {
		t.Errorf("state %s", ctl.State())
	}
	resumes := 0
	for _, e := range ft.events {
		if e == "resume" {
			resumes++
		}
	}
	if resumes != 5 {
		t.Errorf("%d polls, want 5", resumes)
	}
}

func TestControllerDebuggerLeavesSuspended(t *testing.T) {
	ft := newFakeTarget(0, []uint64{0x401000})
	ft.noBase = true
	ft.WriteMemory(0x401000, entryCode)
	opts := fastOptions()
	opts.UseDebugger = true

	ctl := launch.NewController(opts, nil)
	if err := ctl.Run(context.Background(), ft, i386Info(), nil); err != nil {
		t.Fatal(err)
	}
	if !ft.suspended || ctl.State() != launch.StateRunning {
		t.Errorf("suspended=%v state=%s", ft.suspended, ctl.State())
	}
	if b, _ := ft.Read(0x401000, 3); !bytes.Equal(b, entryCode) {
		t.Errorf("entry bytes not restored: % x", b)
	}
}

func TestControllerStageFailure(t *testing.T) {
	ft := newFakeTarget(0x400000, []uint64{0x401000})
	ft.WriteMemory(0x401000, entryCode)

	ctl := launch.NewController(fastOptions(), nil)
	err := ctl.Run(context.Background(), ft, i386Info(), func(ctx context.Context) error {
		return core.Failf(core.CodeMemoryAlloc, "no room")
	})
	if core.CodeOf(err) != core.CodeMemoryAlloc || ctl.State() != launch.StateFailed {
		t.Errorf("err %v state %s", err, ctl.State())
	}
}

func TestControllerLostTarget(t *testing.T) {
	ft := newFakeTarget(0x400000, []uint64{0x401000})
	ft.resumeErr = errors.New("thread gone")
	ctl := launch.NewController(fastOptions(), nil)
	err := ctl.Run(context.Background(), ft, i386Info(), nil)
	if core.CodeOf(err) != core.CodeConnectionLost {
		t.Errorf("expected connection lost, got %v", err)
	}
}

type fakeSpawner struct {
	target  *fakeTarget
	workDir string
	err     error
}

func (self *fakeSpawner) Spawn(info *image.TargetImageInfo, workDir string) (launch.Process, error) {
	self.workDir = workDir
	if self.err != nil {
		return nil, self.err
	}
	return self.target, nil
}

func setupLaunch(t *testing.T) (string, string) {
	dir, err := ioutil.TempDir("", "launch")
	if err != nil {
		t.Fatal(err)
	}
	code := append(make([]byte, 0), entryCode...)
	exe := filepath.Join(dir, "app.exe")
	ioutil.WriteFile(exe, pefile.Build(pefile.Layout{
		Machine: image.NativeMachine(), ImageBase: 0x400000, EntryRVA: pefile.SectionRVA(), Code: code,
	}), 0644)
	ioutil.WriteFile(filepath.Join(dir, "leai.dll"), []byte("MZ"), 0644)
	return dir, exe
}

func TestLauncherEndToEnd(t *testing.T) {
	if image.NativeMachine() == pefile.MachineUnknown {
		t.Skip("no native PE machine")
	}
	dir, exe := setupLaunch(t)
	defer os.RemoveAll(dir)

	host := channel.NewMemHost()
	ft := newFakeTarget(0x400000, []uint64{0x7c900000, 0x401000})
	ft.WriteMemory(0x401000, entryCode)
	peer := channel.NewPeer(host, nil)
	ft.loader = func(arg uint64) {
		h, err := peer.Handshake()
		if err != nil || h.Address != arg {
			t.Errorf("handshake %+v %v", h, err)
		}
		p, err := inject.ReadPayload(ft.Read, arg)
		if err != nil || p.Config.CodePage != 936 {
			t.Errorf("payload %+v %v", p, err)
		}
		peer.MarkLoaded(h)
		peer.Signal()
	}
	sp := &fakeSpawner{target: ft}

	l := &launch.Launcher{
		Host:       host,
		Validator:  image.NewValidator(nil, nil),
		Spawner:    sp,
		Injector:   inject.NewInjector(nil),
		Options:    fastOptions(),
		Defaults:   channel.DefaultConfig(),
		ModuleDirs: []string{dir},
	}
	res, err := l.Launch(context.Background(), launch.ParseArgs([]string{exe, "C936", "T"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Config.CodePage != 936 || res.Payload == 0 {
		t.Errorf("result %+v", res)
	}
	if sp.workDir != dir {
		t.Errorf("work dir %q", sp.workDir)
	}
	if l.Controller.State() != launch.StateRunning {
		t.Errorf("state %s", l.Controller.State())
	}

	// the instance mutex is released afterwards
	release, err := channel.AcquireInstance(host)
	if err != nil {
		t.Errorf("instance still held: %v", err)
	} else {
		release()
	}
}

func TestLauncherNoSignalTerminates(t *testing.T) {
	if image.NativeMachine() == pefile.MachineUnknown {
		t.Skip("no native PE machine")
	}
	dir, exe := setupLaunch(t)
	defer os.RemoveAll(dir)

	ft := newFakeTarget(0x400000, []uint64{0x401000})
	ft.WriteMemory(0x401000, entryCode)
	opts := fastOptions()
	opts.CompletionTimeout = 100 * time.Millisecond
	l := &launch.Launcher{
		Host:       channel.NewMemHost(),
		Validator:  image.NewValidator(nil, nil),
		Spawner:    &fakeSpawner{target: ft},
		Injector:   inject.NewInjector(nil),
		Options:    opts,
		Defaults:   channel.DefaultConfig(),
		ModuleDirs: []string{dir},
	}
	_, err := l.Launch(context.Background(), launch.ParseArgs([]string{exe}))
	if core.CodeOf(err) != core.CodeTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
	if ft.events[len(ft.events)-1] != "terminate" {
		t.Errorf("target not terminated: %v", ft.events)
	}
}

func TestLauncherErrors(t *testing.T) {
	if image.NativeMachine() == pefile.MachineUnknown {
		t.Skip("no native PE machine")
	}
	dir, exe := setupLaunch(t)
	defer os.RemoveAll(dir)

	host := channel.NewMemHost()
	release, _ := channel.AcquireInstance(host)
	l := &launch.Launcher{
		Host:      host,
		Validator: image.NewValidator(nil, nil),
		Spawner:   &fakeSpawner{err: errors.New("denied")},
		Injector:  inject.NewInjector(nil),
		Options:   fastOptions(),
		Defaults:  channel.DefaultConfig(),
	}
	if _, err := l.Launch(context.Background(), launch.ParseArgs([]string{exe})); core.CodeOf(err) != core.CodeMultipleInstances {
		t.Errorf("expected multiple instances, got %v", err)
	}
	release()

	if _, err := l.Launch(context.Background(), launch.ParseArgs([]string{exe})); core.CodeOf(err) != core.CodeModuleNotFound {
		t.Errorf("expected module not found, got %v", err)
	}

	l.ModuleDirs = []string{dir}
	if _, err := l.Launch(context.Background(), launch.ParseArgs([]string{exe})); core.CodeOf(err) != core.CodeProcessCreate {
		t.Errorf("expected process create, got %v", err)
	}

	if _, err := l.Launch(context.Background(), launch.ParseArgs([]string{filepath.Join(dir, "missing.exe")})); core.CodeOf(err) != core.CodeFileNotFound {
		t.Errorf("expected file not found, got %v", err)
	}
}
