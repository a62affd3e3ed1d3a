//go:build !windows

package locale

// DefaultDetector returns nil: classification uses the static table.
func DefaultDetector() Detector { return nil }
