//go:build !windows

package agent

import (
	"github.com/carbonblack/lea/hook"
	"github.com/carbonblack/lea/locale"
)

// Callbacks binds nothing off Windows; every catalog entry is skipped.
func Callbacks(lock *hook.OwnerLock) Binder {
	return func(*locale.State) Bindings { return nil }
}

func ClassQuery() hook.ClassQuery { return nil }

func CurrentThread() uint32 { return 0 }

// Local has no patchable address space off Windows.
func Local() (hook.Memory, hook.Resolver) { return nil, nil }
