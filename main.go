// Package main is the launcher. It starts a target under the locale agent
// and provides the inspect and catalog helpers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stevedomin/termtable"
	"golang.org/x/arch/x86/x86asm"

	"github.com/carbonblack/lea/agent"
	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/emu"
	"github.com/carbonblack/lea/image"
	"github.com/carbonblack/lea/inject"
	"github.com/carbonblack/lea/launch"
	"github.com/carbonblack/lea/locale"
	"github.com/carbonblack/lea/pefile"
	"github.com/carbonblack/lea/util"
)

var (
	configFilePath string
	verboseLevel   int
	outputJSON     bool
	emulate        bool
)

func newLogger() *logrus.Logger {
	return core.NewLogger(core.LogOptions{VerboseLevel: verboseLevel, JSON: outputJSON})
}

// emulatedAgent runs the agent worker in this process against the memory
// of an emulated target, standing in for the injected module.
func emulatedAgent(host channel.Host, log logrus.FieldLogger) emu.LoadFunc {
	return func(t *emu.Target, arg uint64) error {
		w := &agent.Worker{
			Peer:     channel.NewPeer(host, log),
			ReadMem:  t.Read,
			Detector: locale.DefaultDetector(),
			Log:      log.WithField("agent", "emulated"),
		}
		if err := w.Run(); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"payload": arg, "source": w.Source}).Info("emulated agent initialized")
		return nil
	}
}

func runLaunch(cmd *cobra.Command, args []string) {
	log := newLogger()
	conf, err := util.ReadLaunchConfig(configFilePath)
	if err != nil {
		log.WithError(err).Fatal("reading configuration")
	}

	if len(args) == 0 {
		wd, _ := os.Getwd()
		path, err := util.ChooseFile(wd)
		if err != nil {
			cmd.Usage()
			return
		}
		args = []string{path}
	}
	req := launch.ParseArgs(args)

	host := channel.DefaultHost()
	var spawner launch.Spawner = launch.DefaultSpawner()
	if emulate || conf.Emulate {
		spawner = &emu.Spawner{Quantum: conf.EmulateQuantum, OnLoad: emulatedAgent(host, log), Log: log}
	}

	opts := launch.DefaultOptions()
	opts.PollQuantum = conf.PollQuantum()
	opts.MaxPolls = conf.MaxPolls
	opts.CompletionTimeout = conf.CompletionTimeout()

	l := &launch.Launcher{
		Host:       host,
		Validator:  image.NewValidator(image.DefaultAssociator(), log),
		Spawner:    spawner,
		Injector:   inject.NewInjector(log),
		Options:    opts,
		Defaults:   conf.Channel(),
		ModuleDirs: append(conf.ModuleDirs, inject.ModuleDirs()...),
		Log:        log,
	}
	res, err := l.Launch(context.Background(), req)
	if err != nil {
		rep := &core.Reporter{Log: log, Enabled: req.ShowErrors && conf.ShowErrors}
		os.Exit(int(rep.Report(err)))
	}
	log.WithFields(logrus.Fields{
		"target":   res.Info.Path,
		"module":   res.ModulePath,
		"codepage": res.Config.CodePage,
		"locale":   res.Config.LocaleID,
	}).Info("target running")
}

func runInspect(cmd *cobra.Command, args []string) error {
	v := image.NewValidator(image.DefaultAssociator(), newLogger())
	v.Machines = image.PatchableMachines
	info, err := v.Validate(args[0], "")
	if err != nil {
		return err
	}
	fmt.Printf("path:        %s\n", info.Path)
	fmt.Printf("commandline: %s\n", info.CommandLine)
	fmt.Printf("machine:     0x%x (native 0x%x)\n", info.Machine, image.NativeMachine())
	fmt.Printf("image base:  0x%x\n", info.PreferredBase)
	fmt.Printf("entry:       0x%x (rva 0x%x)\n", info.PreferredBase+uint64(info.EntryRVA), info.EntryRVA)

	pe, err := pefile.LoadPeFile(info.Path)
	if err != nil {
		return err
	}
	defer pe.Close()
	code, err := pe.ReadRVA(info.EntryRVA, 16)
	if err != nil || len(code) == 0 {
		fmt.Println("entry bytes: unavailable")
		return nil
	}
	mode := 32
	if info.Machine == pefile.MachineAMD64 {
		mode = 64
	}
	if inst, err := x86asm.Decode(code, mode); err == nil {
		fmt.Printf("entry insn:  % x  %s\n", code[:inst.Len], x86asm.IntelSyntax(inst, info.PreferredBase+uint64(info.EntryRVA), nil))
	} else {
		fmt.Printf("entry bytes: % x (%v)\n", code, err)
	}
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) {
	t := termtable.NewTable(nil, &termtable.TableOptions{
		Padding:      2,
		UseSeparator: true,
	})
	t.SetHeader([]string{"Module", "Symbol", "Guarded"})
	for _, it := range agent.Catalog {
		g := ""
		if it.Guarded {
			g = "owner lock"
		}
		t.AddRow([]string{it.Module, it.Symbol, g})
	}
	fmt.Println(t.Render())
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "lea <target> [A<args>] [C<codepage>] [L<locale>] [Q<bias>] [P<flags>] ...",
		Short: "Launch a program under a different code page, locale and time zone",
		Args:  cobra.ArbitraryArgs,
		Run:   runLaunch,
	}
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbose output, repeat for debug (-vv)")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "log as json")
	rootCmd.Flags().BoolVar(&emulate, "emulate", false, "run the target inside the emulator")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect <image>",
		Short: "Validate an image and show its entry point",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "catalog",
		Short: "List the entry points the agent redirects",
		Args:  cobra.NoArgs,
		Run:   runCatalog,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
