package util

import (
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/carbonblack/lea/channel"
)

// LaunchConfig contains the yaml definitions the launcher accepts through
// the `-c` flag. Values present in the file override the defaults; command
// line tokens override both.
type LaunchConfig struct {
	CodePage       uint32   `yaml:"code_page"`
	LocaleID       uint32   `yaml:"locale_id"`
	TimezoneOffset int32    `yaml:"timezone_offset"`
	MaxWait        uint32   `yaml:"max_wait"`
	Flags          uint32   `yaml:"flags"`
	ModuleName     string   `yaml:"module_name"`
	ModuleDirs     []string `yaml:"module_dirs"`
	ShowErrors     bool     `yaml:"show_errors"`
	PollQuantumMs  int      `yaml:"poll_quantum_ms"`
	MaxPolls       int      `yaml:"max_polls"`
	CompletionMs   int      `yaml:"completion_timeout_ms"`
	Emulate        bool     `yaml:"emulate"`
	EmulateQuantum uint64   `yaml:"emulate_quantum"`
}

func DefaultLaunchConfig() LaunchConfig {
	d := channel.DefaultConfig()
	return LaunchConfig{
		CodePage:       d.CodePage,
		LocaleID:       d.LocaleID,
		TimezoneOffset: d.TimezoneOffset,
		MaxWait:        d.MaxWait,
		Flags:          d.Flags,
		ModuleName:     d.ModuleName,
		ShowErrors:     true,
		PollQuantumMs:  32,
		MaxPolls:       600,
		CompletionMs:   30000,
	}
}

// ReadLaunchConfig returns the defaults overridden by the file at path. An
// empty path yields the defaults.
func ReadLaunchConfig(path string) (LaunchConfig, error) {
	conf := DefaultLaunchConfig()
	if path == "" {
		return conf, nil
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, err
	}
	err = yaml.Unmarshal(buf, &conf)
	return conf, err
}

// Channel is the injection configuration described by the file.
func (self LaunchConfig) Channel() channel.Config {
	return channel.Config{
		Flags:          self.Flags,
		CodePage:       self.CodePage,
		LocaleID:       self.LocaleID,
		TimezoneOffset: self.TimezoneOffset,
		MaxWait:        self.MaxWait,
		ModuleName:     self.ModuleName,
	}
}

func (self LaunchConfig) PollQuantum() time.Duration {
	return time.Duration(self.PollQuantumMs) * time.Millisecond
}

func (self LaunchConfig) CompletionTimeout() time.Duration {
	return time.Duration(self.CompletionMs) * time.Millisecond
}
