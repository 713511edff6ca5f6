package session

// State is the lifecycle state of a publish session.
type State int

const (
	// Idle: not connected, not attempting.
	Idle State = iota
	// Connecting: a start has been issued and has not resolved.
	Connecting
	// Live: the publisher confirmed an active outbound session.
	Live
	// Stopping: a stop is outstanding. Collapses back to Idle.
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}
