package channel

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("named object not found")
	ErrAlreadyExists = errors.New("named object already exists")
)

// Segment is a mapped view of a named shared memory section.
type Segment interface {
	Bytes() []byte
	Close() error
}

// Event is a named auto reset event.
type Event interface {
	Set() error
	// Wait reports whether the event was signalled before timeout.
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

// Host provides named kernel objects. Objects live until the last holder
// closes them.
type Host interface {
	// OpenSegment creates the segment or attaches to an existing one.
	OpenSegment(name string, size int) (seg Segment, created bool, err error)
	// AttachSegment only attaches; ErrNotFound when nobody created it.
	AttachSegment(name string, size int) (Segment, error)
	CreateEvent(name string) (Event, error)
	OpenEvent(name string) (Event, error)
	// AcquireMutex returns ErrAlreadyExists when another holder owns name.
	AcquireMutex(name string) (release func() error, err error)
}
