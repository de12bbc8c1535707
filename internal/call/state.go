package call

// State is a session's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	WarmingUp
	Listening
	Speaking
	Terminating
	Closed
)

var stateNames = [...]string{"uninitialized", "warming_up", "listening", "speaking", "terminating", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal moves. WarmingUp goes to Speaking for the
// greeting; it goes straight to Closed when the profile cannot be resolved.
var transitions = map[State][]State{
	Uninitialized: {WarmingUp, Terminating},
	WarmingUp:     {Speaking, Listening, Terminating, Closed},
	Listening:     {Speaking, Terminating},
	Speaking:      {Listening, Terminating},
	Terminating:   {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
