package connection

// State is the lifecycle state of a Connection.
type State string

const (
	StateConnecting       State = "connecting"
	StateConnected        State = "connected"
	StateDegraded         State = "degraded"
	StateGracefulShutdown State = "graceful_shutdown"
	StateClosed           State = "closed"
)

var transitions = map[State][]State{
	StateConnecting:       {StateConnected, StateGracefulShutdown},
	StateConnected:        {StateDegraded, StateGracefulShutdown},
	StateDegraded:         {StateConnected, StateGracefulShutdown},
	StateGracefulShutdown: {StateClosed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Open reports whether the connection still accepts traffic for the socket.
func (s State) Open() bool {
	return s == StateConnecting || s == StateConnected || s == StateDegraded
}

func (s State) String() string { return string(s) }
