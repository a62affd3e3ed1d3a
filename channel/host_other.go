//go:build !windows

package channel

var processHost = NewMemHost()

// DefaultHost returns a process local host. Named objects are only shared
// within this process on platforms without Windows sections.
func DefaultHost() Host { return processHost }
