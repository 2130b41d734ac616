package worker

// State is the worker lifecycle phase.
type State int32

// Lifecycle phases, in order.
const (
	StateInit State = iota
	StateRegistered
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRegistered:
		return "REGISTERED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}
