package util_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/carbonblack/lea/channel"
	"github.com/carbonblack/lea/util"
)

func TestReadLaunchConfig(t *testing.T) {
	conf, err := util.ReadLaunchConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Channel() != channel.DefaultConfig() {
		t.Errorf("defaults %+v", conf.Channel())
	}

	dir, _ := ioutil.TempDir("", "util")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "lea.yml")
	ioutil.WriteFile(path, []byte("code_page: 936\nlocale_id: 2052\ntimezone_offset: -480\nmodule_dirs: [a, b]\npoll_quantum_ms: 10\n"), 0644)

	conf, err = util.ReadLaunchConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	c := conf.Channel()
	if c.CodePage != 936 || c.LocaleID != 2052 || c.TimezoneOffset != -480 {
		t.Errorf("override %+v", c)
	}
	// untouched keys keep their defaults
	if c.MaxWait != channel.DefaultMaxWait || c.ModuleName != "leai.dll" || conf.MaxPolls != 600 {
		t.Errorf("defaults lost %+v", conf)
	}
	if len(conf.ModuleDirs) != 2 || conf.PollQuantum().Milliseconds() != 10 {
		t.Errorf("dirs %v quantum %s", conf.ModuleDirs, conf.PollQuantum())
	}

	if _, err := util.ReadLaunchConfig(filepath.Join(dir, "missing.yml")); err == nil {
		t.Errorf("missing file should fail")
	}
}

func TestSearchFile(t *testing.T) {
	dir, _ := ioutil.TempDir("", "util")
	defer os.RemoveAll(dir)
	ioutil.WriteFile(filepath.Join(dir, "Game.EXE"), []byte("MZ"), 0644)
	ioutil.WriteFile(filepath.Join(dir, "readme.txt"), nil, 0644)
	os.Mkdir(filepath.Join(dir, "sub.exe"), 0755)

	path, err := util.SearchFile([]string{"/nonexistent", dir}, "game.exe")
	if err != nil || path != filepath.Join(dir, "Game.EXE") {
		t.Errorf("found %q %v", path, err)
	}

	exes := util.Executables(dir)
	sort.Strings(exes)
	if len(exes) != 1 || exes[0] != "Game.EXE" {
		t.Errorf("executables %v", exes)
	}
}

func TestWide(t *testing.T) {
	b := util.WideBytes("日本")
	if len(b) != 6 || b[4] != 0 || b[5] != 0 {
		t.Errorf("wide % x", b)
	}
	if s := util.ReadWide(append(b, 'x', 0)); s != "日本" {
		t.Errorf("read back %q", s)
	}
	if s := util.ReadAnsi([]byte("abc\x00def")); string(s) != "abc" {
		t.Errorf("ansi %q", s)
	}
}
