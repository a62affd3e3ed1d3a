//go:build !windows

package image

// DefaultAssociator returns nil; association lookup only exists on Windows.
func DefaultAssociator() Associator { return nil }
