//go:build !windows || !(386 || amd64)

package launch

import (
	"github.com/carbonblack/lea/core"
	"github.com/carbonblack/lea/image"
)

type unsupportedSpawner struct{}

func (unsupportedSpawner) Spawn(info *image.TargetImageInfo, workDir string) (Process, error) {
	return nil, core.Failf(core.CodeProcessCreate, "native targets cannot be started on this platform; use the emulated target")
}

// DefaultSpawner returns the spawner for this platform.
func DefaultSpawner() Spawner { return unsupportedSpawner{} }
