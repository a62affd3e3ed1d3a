package agent_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/carbonblack/lea/agent"
	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/inject"
	"github.com/carbonblack/lea/locale"
)

type flatMem struct {
	base uint64
	buf  []byte
}

func (self *flatMem) Read(addr uint64, n int) ([]byte, error) {
	if addr < self.base || addr+uint64(n) > self.base+uint64(len(self.buf)) {
		return nil, errors.Errorf("0x%x unmapped", addr)
	}
	off := addr - self.base
	return append([]byte(nil), self.buf[off:off+uint64(n)]...), nil
}

func (self *flatMem) Write(addr uint64, b []byte) error {
	if _, err := self.Read(addr, len(b)); err != nil {
		return err
	}
	copy(self.buf[addr-self.base:], b)
	return nil
}

func (self *flatMem) Protect(addr uint64, n int, prot uint32) (uint32, error) { return 0x20, nil }

func (self *flatMem) FlushInstructionCache(addr uint64, n int) error { return nil }

// remote process backed by flatMem
func (self *flatMem) Alloc(size int) (uint64, error) { return self.base, nil }
func (self *flatMem) WriteMemory(addr uint64, b []byte) error { return self.Write(addr, b) }
func (self *flatMem) LoaderAddress() (uint64, error) { return 0x77000000, nil }
func (self *flatMem) StartThread(entry, arg uint64) error { return nil }

type symbols map[string]uint64

func (self symbols) Lookup(module, symbol string) (uint64, bool) {
	a, ok := self[module+"!"+symbol]
	return a, ok
}

func TestCatalogEntries(t *testing.T) {
	entries := agent.Entries(agent.Bindings{"GetACP": 0x1000})
	if len(entries) != 20 {
		t.Fatalf("%d catalog entries", len(entries))
	}
	guarded := 0
	for _, e := range entries {
		if e.Guarded {
			guarded++
			if e.Module != "ntdll.dll" {
				t.Errorf("unexpected guarded entry %s", e.Name())
			}
		}
		if e.Symbol == "GetACP" && e.Replacement != 0x1000 {
			t.Errorf("GetACP bound to 0x%x", e.Replacement)
		}
		if e.Symbol != "GetACP" && e.Replacement != 0 {
			t.Errorf("%s bound without a binding", e.Name())
		}
	}
	if guarded != 2 {
		t.Errorf("%d guarded entries", guarded)
	}
}

func TestDefaultsWithoutLauncher(t *testing.T) {
	w := &agent.Worker{Peer: channel.NewPeer(channel.NewMemHost(), nil)}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.Source != agent.SourceDefaults || w.Config != channel.DefaultConfig() {
		t.Errorf("source %s config %+v", w.Source, w.Config)
	}
	if w.State.ACP() != 932 || w.State.LCID() != 1041 || w.State.TimezoneBias != -540 {
		t.Errorf("state %s", w.State)
	}
}

func TestConfigFromSegment(t *testing.T) {
	host := channel.NewMemHost()
	ch, err := channel.Open(host, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	ch.Write(channel.Config{Flags: 0x35, CodePage: 949, LocaleID: 1042, TimezoneOffset: -540, ModuleName: "leai.dll"})

	w := &agent.Worker{Peer: channel.NewPeer(host, nil)}
	cfg, src, hs := w.ResolveConfig()
	if src != agent.SourceSegment || hs != nil {
		t.Errorf("source %s handshake %v", src, hs)
	}
	if cfg.Flags != 0x5 || cfg.MaxWait != 100 || cfg.CodePage != 949 {
		t.Errorf("config %+v", cfg)
	}
}

func TestConfigFromHandshake(t *testing.T) {
	host := channel.NewMemHost()
	ch, err := channel.Open(host, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	ch.Write(channel.DefaultConfig())

	remote := &flatMem{base: 0x500000, buf: make([]byte, 0x1000)}
	want := channel.Config{Flags: 1, CodePage: 936, LocaleID: 2052, TimezoneOffset: -480, MaxWait: 100, ModuleName: "leai.dll"}
	if _, err := inject.NewInjector(nil).Inject(context.Background(), remote, ch, `C:\lea\leai.dll`, want); err != nil {
		t.Fatal(err)
	}

	w := &agent.Worker{Peer: channel.NewPeer(host, nil), ReadMem: remote.Read}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.Source != agent.SourceHandshake || w.Config != want {
		t.Errorf("source %s config %+v", w.Source, w.Config)
	}
	if err := ch.Wait(context.Background(), time.Second); err != nil {
		t.Errorf("launcher not signalled: %v", err)
	}
	if h, _ := channel.NewPeer(host, nil).Handshake(); h.Status != channel.StatusLoaded {
		t.Errorf("handshake status %d", h.Status)
	}

	// a consumed handshake is not reused
	w2 := &agent.Worker{Peer: channel.NewPeer(host, nil), ReadMem: remote.Read}
	if _, src, _ := w2.ResolveConfig(); src != agent.SourceSegment {
		t.Errorf("second worker used %s", src)
	}
}

func TestInstallCatalog(t *testing.T) {
	mem := &flatMem{base: 0x10000000, buf: make([]byte, 0x100)}
	syms := symbols{
		"kernel32.dll!GetACP":   0x10000000,
		"kernel32.dll!GetOEMCP": 0x10000010,
	}
	binds := 0
	w := &agent.Worker{
		Mem:      mem,
		Resolver: syms,
		Bind: func(s *locale.State) agent.Bindings {
			binds++
			return agent.Bindings{"GetACP": 0x10000080, "CharNextA": 0x10000090}
		},
		Shadows: hook.NewShadowTables(nil),
		Thread:  func() uint32 { return 7 },
	}
	if err := w.Run(); err != nil {
		t.Fatal(err)
	}
	if err := w.Run(); err != nil || binds != 1 {
		t.Errorf("second run rebound: %d %v", binds, err)
	}
	rep := w.Report
	if len(rep.Installed) != 1 || rep.Installed[0] != "kernel32.dll!GetACP" {
		t.Errorf("installed %v", rep.Installed)
	}
	if len(rep.Skipped) != 19 || len(rep.Failed) != 0 {
		t.Errorf("skipped %d failed %v", len(rep.Skipped), rep.Failed)
	}
	code, _ := mem.Read(0x10000000, 5)
	if err := hook.VerifyJump(code, 0x10000000, 0x10000080); err != nil {
		t.Errorf("GetACP trampoline: %v", err)
	}
	if b, _ := mem.Read(0x10000010, 1); b[0] != 0 {
		t.Errorf("unbound GetOEMCP was patched")
	}

	if w.Shadows.Len() != 1 {
		t.Errorf("shadow tables %d", w.Shadows.Len())
	}
	w.Detach()
	if w.Shadows.Len() != 0 {
		t.Errorf("shadow tables survive detach")
	}
}

func TestPreloadTimezoneBias(t *testing.T) {
	w := &agent.Worker{Peer: channel.NewPeer(channel.NewMemHost(), nil)}
	if b := w.TimezoneBias(); b != channel.PreloadTimezoneOffset {
		t.Errorf("bias before run %d", b)
	}
	if err := w.Run(); err != nil {
		t.Fatal(err)
	}
	if b := w.TimezoneBias(); b != channel.DefaultTimezoneOffset {
		t.Errorf("bias after run %d", b)
	}

	host := channel.NewMemHost()
	ch, _ := channel.Open(host, nil)
	defer ch.Close()
	ch.Write(channel.Config{CodePage: 936, LocaleID: 2052, TimezoneOffset: -600, ModuleName: "leai.dll"})
	w = &agent.Worker{Peer: channel.NewPeer(host, nil)}
	w.Run()
	if b := w.TimezoneBias(); b != -600 {
		t.Errorf("bias from segment %d", b)
	}
}

func TestInstallFailureFailsRendezvous(t *testing.T) {
	host := channel.NewMemHost()
	ch, err := channel.Open(host, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	ch.Write(channel.DefaultConfig())
	remote := &flatMem{base: 0x500000, buf: make([]byte, 0x1000)}
	if _, err := inject.NewInjector(nil).Inject(context.Background(), remote, ch, `C:\lea\leai.dll`, channel.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	// the replacement is out of rel32 reach of the entry
	mem := &flatMem{base: 0x10000000, buf: make([]byte, 0x100)}
	w := &agent.Worker{
		Peer:     channel.NewPeer(host, nil),
		ReadMem:  remote.Read,
		Mem:      mem,
		Resolver: symbols{"kernel32.dll!GetACP": 0x10000000},
		Bind: func(*locale.State) agent.Bindings {
			return agent.Bindings{"GetACP": 0x10000000 + 1<<33}
		},
	}
	if err := w.Run(); core.CodeOf(err) != core.CodeConnectionLost {
		t.Errorf("expected connection lost, got %v", err)
	}
	if len(w.Report.Failed) != 1 {
		t.Errorf("failed %v", w.Report.Failed)
	}
	if h, _ := channel.NewPeer(host, nil).Handshake(); h.Status != channel.StatusFailed {
		t.Errorf("handshake status %d", h.Status)
	}
	if err := ch.Wait(context.Background(), time.Second); core.CodeOf(err) != core.CodeConnectionLost {
		t.Errorf("launcher saw %v", err)
	}
}

func TestVersionRedirect(t *testing.T) {
	state := locale.New(channel.Config{CodePage: 936, LocaleID: 2052, TimezoneOffset: -480}, nil)
	r := &agent.VersionRedirect{}

	q := `\StringFileInfo\040904b0\ProductName`
	if got := r.StringQuery(q); got != q {
		t.Errorf("lookup redirected before any translation was read: %q", got)
	}
	if r.RewriteTranslation([]byte{1, 2}, state) {
		t.Errorf("short translation value rewritten")
	}

	value := []byte{0x09, 0x04, 0xb0, 0x04, 0x11, 0x04, 0xa4, 0x03}
	if !r.RewriteTranslation(value, state) {
		t.Fatalf("translation not rewritten")
	}
	if !bytes.Equal(value, []byte{0x04, 0x08, 0xa8, 0x03, 0x11, 0x04, 0xa4, 0x03}) {
		t.Errorf("translation % x", value)
	}
	if got := r.StringQuery(`\StringFileInfo\080403a8\ProductName`); got != q {
		t.Errorf("redirected to %q", got)
	}
	for _, same := range []string{`\`, agent.TranslationBlock, `\VarFileInfo\Other`} {
		if got := r.StringQuery(same); got != same {
			t.Errorf("%q redirected to %q", same, got)
		}
	}

	if !agent.IsTranslationQuery(`\varfileinfo\translation`) || agent.IsTranslationQuery(`\VarFileInfo`) {
		t.Errorf("translation query match")
	}
	if !agent.IsStringQuery(q) || agent.IsStringQuery(`\StringFileInfo\`) {
		t.Errorf("string query match")
	}

	a := r.Keep(0x1000, q, []byte("lea\x00"))
	b := r.Keep(0x1000, q, []byte("lea\x00"))
	if &a[0] != &b[0] {
		t.Errorf("identical value not reused")
	}
}

func TestDumpSettings(t *testing.T) {
	for setting, want := range map[string]string{"1": ".", `C:\dumps`: `C:\dumps`} {
		if dir, ok := agent.DumpDir(setting); !ok || dir != want {
			t.Errorf("%q gave %q %v", setting, dir, ok)
		}
	}
	for _, off := range []string{"", "0", " "} {
		if _, ok := agent.DumpDir(off); ok {
			t.Errorf("%q enabled dumps", off)
		}
	}

	at := time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC)
	if p := agent.DumpPath("dumps", "/games/app.exe", at); p != filepath.Join("dumps", "crashinfo_app_2024-03-05_07-08-09.dmp") {
		t.Errorf("dump path %q", p)
	}
	if p := agent.DumpPath("d", "", at); p != filepath.Join("d", "crashinfo_lea_2024-03-05_07-08-09.dmp") {
		t.Errorf("dump path %q", p)
	}

	rec := agent.ExceptionInformation(7, 0x12345678, 8)
	if len(rec) != 16 || !bytes.Equal(rec[:12], []byte{7, 0, 0, 0, 0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0}) {
		t.Errorf("amd64 record % x", rec)
	}
	if rec := agent.ExceptionInformation(7, 0x12345678, 4); len(rec) != 12 {
		t.Errorf("386 record % x", rec)
	}
}
