package util

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
)

// ErrNoChoice is returned when the user leaves the chooser without naming a
// file.
var ErrNoChoice = errors.New("no file chosen")

// Executables lists the launchable files directly inside dir.
func Executables(dir string) []string {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ret []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name())) {
		case ".exe", ".com", ".scr":
			ret = append(ret, f.Name())
		}
	}
	return ret
}

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// ChooseFile asks for the target interactively, completing names of the
// executables in dir.
func ChooseFile(dir string) (string, error) {
	completer := readline.NewPrefixCompleter(
		readline.PcItemDynamic(func(string) []string { return Executables(dir) }),
	)
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "target > ",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return "", errors.Wrap(err, "starting chooser")
	}
	defer l.Close()

	in, err := l.Readline()
	if err != nil {
		return "", ErrNoChoice
	}
	in = strings.Trim(strings.TrimSpace(in), `"`)
	if in == "" {
		return "", ErrNoChoice
	}
	if !filepath.IsAbs(in) {
		in = filepath.Join(dir, in)
	}
	return in, nil
}
