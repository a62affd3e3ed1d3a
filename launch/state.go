package launch

// State of one launch. Transitions only move forward; Failed is terminal
// and reachable from every state after Created.
type State int

const (
	StateCreated State = iota
	StateBreakpointArmed
	StatePolling
	StateEntryReached
	StateInjectionInFlight
	StateRestored
	StateRunning
	StateFailed
)

var stateNames = [...]string{
	"Created",
	"BreakpointArmed",
	"Polling",
	"EntryReached",
	"InjectionInFlight",
	"Restored",
	"Running",
	"Failed",
}

func (self State) String() string {
	if self < 0 || int(self) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[self]
}
