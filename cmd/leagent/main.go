// Package main builds the injected agent module. Build it with
// -buildmode=c-shared; the worker starts as soon as the module is loaded.
package main

import "C"
import (
	"os"
	"strconv"
	"sync"

	"github.com/carbonblack/lea/agent"
	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/locale"
)

var (
	worker      *agent.Worker
	created     = make(chan struct{})
	done        = make(chan struct{})
	runErr      error
	once        sync.Once
	restoreDump func()
)

func start() {
	level, _ := strconv.Atoi(os.Getenv("LEA_VERBOSE"))
	log := core.NewLogger(core.LogOptions{VerboseLevel: level, JSON: os.Getenv("LEA_JSON") != ""})

	if dir, ok := agent.DumpDir(os.Getenv("LEA_CRASHDUMP")); ok {
		restore, err := agent.InstallDumpFilter(dir, log)
		if err != nil {
			log.WithError(err).Warn("crash dumps disabled")
		}
		restoreDump = restore
	}

	mem, resolver := agent.Local()
	w := &agent.Worker{
		Peer:     channel.NewPeer(channel.DefaultHost(), log),
		Mem:      mem,
		Resolver: resolver,
		Detector: locale.DefaultDetector(),
		Bind:     agent.Callbacks(&hook.OwnerLock{}),
		Shadows:  hook.NewShadowTables(agent.ClassQuery()),
		Thread:   agent.CurrentThread,
		Log:      log,
	}
	if mem != nil {
		w.ReadMem = mem.Read
	}
	worker = w
	close(created)
	runErr = w.Run()
	if runErr != nil {
		log.WithError(runErr).Error("agent initialization failed")
	}
	close(done)
}

func init() {
	once.Do(func() { go start() })
}

//export LeaReady
func LeaReady() C.int {
	<-done
	if runErr != nil {
		return 0
	}
	return 1
}

// LeaTimezoneBias does not wait for initialization; before the
// configuration is known it reports the preload bias.
//
//export LeaTimezoneBias
func LeaTimezoneBias() C.int {
	<-created
	return C.int(worker.TimezoneBias())
}

//export LeaOriginalProc
func LeaOriginalProc(class *C.char, wide C.int) C.uintptr_t {
	<-done
	t := worker.Shadows.For(agent.CurrentThread())
	return C.uintptr_t(t.Get(C.GoString(class), wide != 0))
}

//export LeaThreadDetach
func LeaThreadDetach(tid C.uint) {
	<-done
	worker.Shadows.Release(uint32(tid))
}

//export LeaShutdown
func LeaShutdown() {
	<-done
	worker.Detach()
	if restoreDump != nil {
		restoreDump()
	}
}

func main() {
	// We need the main function to make possible
	// CGO compiler to compile the package as C shared library
}
