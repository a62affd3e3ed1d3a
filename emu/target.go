// Package emu runs a target image inside the unicorn emulator so the whole
// launch sequence can be driven on hosts that cannot start the image
// natively.
package emu

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/image"
	"github.com/carbonblack/lea/launch"
	"github.com/carbonblack/lea/pefile"
	"github.com/carbonblack/lea/util"
)

// Fixed layout of the emulated address space.
const (
	StubAddress  = 0x7ff00000
	LoaderOffset = 0x800
	PebAddress   = 0x7ffd0000
	StackAddress = 0x00100000
	StackSize    = 0x00040000
	HeapAddress  = 0x20000000
	HeapSize     = 0x01000000

	// StubNops is how many instructions the emulated thread spends in
	// startup code before it jumps to the image entry.
	StubNops       = 24
	DefaultQuantum = 16
)

// Windows page protections understood by Protect.
const (
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
)

// LoadFunc stands in for the module loader when the injector starts a
// thread on LoaderAddress. arg is the payload address.
type LoadFunc func(t *Target, arg uint64) error

// Target is an emulated process with a single primary thread. All access
// to the emulator is serialized.
type Target struct {
	Quantum uint64
	OnLoad  LoadFunc
	Log     logrus.FieldLogger

	mu       sync.Mutex
	uc       uc.Unicorn
	cpu      *CpuManager
	heap     *HeapManager
	prot     map[uint64]uint32
	base     uint64
	entry    uint64
	exited   bool
	exitCode uint32
	loads    sync.WaitGroup
}

func ucProt(prot uint32) int {
	switch prot {
	case pageReadOnly:
		return uc.PROT_READ
	case pageReadWrite:
		return uc.PROT_READ | uc.PROT_WRITE
	case pageExecute, pageExecuteRead:
		return uc.PROT_READ | uc.PROT_EXEC
	}
	return uc.PROT_ALL
}

// Load maps the image at path together with a startup stub that walks
// into the image entry point, mimicking a freshly created suspended
// process.
func Load(path string, log logrus.FieldLogger) (*Target, error) {
	if log == nil {
		log = core.Discard()
	}
	pe, err := pefile.LoadPeFile(path)
	if err != nil {
		return nil, core.Fail(core.CodeInvalidImage, err)
	}
	defer pe.Close()

	mode := uc.MODE_32
	switch pe.Machine() {
	case pefile.MachineI386:
	case pefile.MachineAMD64:
		mode = uc.MODE_64
	default:
		return nil, core.Failf(core.CodeMachineUnsupported, "cannot emulate machine 0x%x", pe.Machine())
	}

	u, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, core.Fail(core.CodeProcessCreate, err)
	}
	self := &Target{
		Quantum: DefaultQuantum,
		Log:     log,
		uc:      u,
		cpu:     NewCpuManager(u, mode),
		heap:    NewHeap(HeapAddress, HeapSize),
		prot:    make(map[uint64]uint32),
		base:    pe.ImageBase(),
		entry:   pe.ImageBase() + uint64(pe.EntryPoint()),
	}
	if err := self.mapImage(pe); err != nil {
		u.Close()
		return nil, core.Fail(core.CodeProcessCreate, err)
	}
	if err := self.initThread(); err != nil {
		u.Close()
		return nil, core.Fail(core.CodeProcessCreate, err)
	}
	log.WithFields(logrus.Fields{"base": self.base, "entry": self.entry}).Debug("image mapped in emulator")
	return self, nil
}

func (self *Target) mapImage(pe *pefile.PeFile) error {
	end := uint64(pefile.SectionRVA())
	for _, s := range pe.Sections {
		size := s.VirtualSize
		if s.Size > size {
			size = s.Size
		}
		if e := uint64(s.VirtualAddress) + uint64(size); e > end {
			end = e
		}
	}
	size := util.RoundUp(end, pageMask)
	if err := self.uc.MemMap(self.base, size); err != nil {
		return errors.Wrapf(err, "mapping image at 0x%x", self.base)
	}
	for _, s := range pe.Sections {
		// uninitialized data stays zero filled
		if s.Size == 0 {
			continue
		}
		data, err := pe.ReadRVA(s.VirtualAddress, int(s.Size))
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := self.uc.MemWrite(self.base+uint64(s.VirtualAddress), data); err != nil {
				return errors.Wrapf(err, "writing section %s", s.Name)
			}
		}
	}
	for page := self.base; page < self.base+size; page += pageMask + 1 {
		self.prot[page] = pageExecuteRead
	}

	for _, r := range [][2]uint64{
		{StubAddress, 0x1000},
		{PebAddress, 0x1000},
		{StackAddress, StackSize},
		{HeapAddress, HeapSize},
	} {
		if err := self.uc.MemMap(r[0], r[1]); err != nil {
			return errors.Wrapf(err, "mapping 0x%x", r[0])
		}
	}
	// ImageBaseAddress follows two pointer sized fields in the PEB.
	return self.cpu.PutPointer(PebAddress+uint64(2*self.cpu.ptrSize), self.base)
}

func (self *Target) initThread() error {
	stub := make([]byte, 0, StubNops+16)
	for i := 0; i < StubNops; i++ {
		stub = append(stub, 0x90)
	}
	if self.cpu.ptrSize == 4 {
		// mov eax, entry; jmp eax
		stub = append(stub, 0xb8, byte(self.entry), byte(self.entry>>8), byte(self.entry>>16), byte(self.entry>>24))
	} else {
		// mov rax, entry; jmp rax
		stub = append(stub, 0x48, 0xb8)
		for i := uint(0); i < 8; i++ {
			stub = append(stub, byte(self.entry>>(8*i)))
		}
	}
	stub = append(stub, 0xff, 0xe0)
	if err := self.uc.MemWrite(StubAddress, stub); err != nil {
		return err
	}
	// the loader entry is never executed, StartThread intercepts it
	if err := self.uc.MemWrite(StubAddress+LoaderOffset, []byte{0xc3}); err != nil {
		return err
	}
	if err := self.cpu.SetSP(StackAddress + StackSize - 0x1000); err != nil {
		return err
	}
	return self.cpu.SetIP(StubAddress)
}

// Entry is the absolute entry point of the mapped image.
func (self *Target) Entry() uint64 { return self.entry }

func (self *Target) ImageBase() (uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	base, err := self.cpu.GetPointer(PebAddress + uint64(2*self.cpu.ptrSize))
	if err != nil {
		return 0, core.Fail(core.CodeQueryProcess, err)
	}
	return base, nil
}

// Resume runs the thread for one quantum of instructions.
func (self *Target) Resume() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.exited {
		return errors.Errorf("process exited with code 0x%x", self.exitCode)
	}
	ip, err := self.cpu.IP()
	if err != nil {
		return err
	}
	if err := self.uc.StartWithOptions(ip, 0, &uc.UcOptions{Count: self.Quantum}); err != nil {
		self.Log.WithField("registers", self.cpu.ReadRegisters().String()).Debug("emulated thread faulted")
		return errors.Wrap(err, "emulated thread faulted")
	}
	return nil
}

// Suspend is a no-op: the thread only runs inside Resume.
func (self *Target) Suspend() error {
	return nil
}

func (self *Target) InstructionPointer() (uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.cpu.IP()
}

func (self *Target) Read(addr uint64, n int) ([]byte, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.uc.MemRead(addr, uint64(n))
}

func (self *Target) Write(addr uint64, b []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.uc.MemWrite(addr, b)
}

func (self *Target) WriteMemory(addr uint64, b []byte) error {
	return self.Write(addr, b)
}

// Protect applies prot to every page touched by the range and returns the
// protection the first page had before.
func (self *Target) Protect(addr uint64, n int, prot uint32) (uint32, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	start := addr &^ pageMask
	end := util.RoundUp(addr+uint64(n), pageMask)
	old, ok := self.prot[start]
	if !ok {
		old = pageReadWrite
	}
	if err := self.uc.MemProtect(start, end-start, ucProt(prot)); err != nil {
		return 0, errors.Wrapf(err, "protecting 0x%x", addr)
	}
	for page := start; page < end; page += pageMask + 1 {
		self.prot[page] = prot
	}
	return old, nil
}

// FlushInstructionCache has nothing to flush in the emulator.
func (self *Target) FlushInstructionCache(addr uint64, n int) error {
	return nil
}

func (self *Target) Alloc(size int) (uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	addr, _, err := self.heap.MMap(uint64(size))
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// Free releases an Alloc result.
func (self *Target) Free(addr uint64) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.heap.Free(addr)
}

func (self *Target) LoaderAddress() (uint64, error) {
	return StubAddress + LoaderOffset, nil
}

// StartThread only knows the loader entry: it hands arg to OnLoad on a
// separate goroutine, the way a remote thread runs beside the primary one.
func (self *Target) StartThread(entry, arg uint64) error {
	if entry != StubAddress+LoaderOffset {
		return errors.Errorf("no emulated routine at 0x%x", entry)
	}
	if self.OnLoad == nil {
		return errors.New("no loader configured")
	}
	self.loads.Add(1)
	go func() {
		defer self.loads.Done()
		if err := self.OnLoad(self, arg); err != nil {
			self.Log.WithError(err).Warn("emulated module load failed")
		}
	}()
	return nil
}

func (self *Target) Terminate(code uint32) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.exited = true
	self.exitCode = code
	return nil
}

// Exited reports whether Terminate was called and with which code.
func (self *Target) Exited() (bool, uint32) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.exited, self.exitCode
}

// Close waits for loader threads and releases the emulator.
func (self *Target) Close() error {
	self.loads.Wait()
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.uc.Close()
}

// Spawner loads targets into the emulator. The working directory has no
// meaning there and is ignored.
type Spawner struct {
	Quantum uint64
	OnLoad  LoadFunc
	Log     logrus.FieldLogger
}

func (self *Spawner) Spawn(info *image.TargetImageInfo, workDir string) (launch.Process, error) {
	t, err := Load(info.Path, self.Log)
	if err != nil {
		return nil, err
	}
	if self.Quantum != 0 {
		t.Quantum = self.Quantum
	}
	t.OnLoad = self.OnLoad
	return t, nil
}
