package supervisor

import "time"

// State is a session lifecycle state.
type State string

const (
	Idle         State = "idle"
	Claiming     State = "claiming"
	Connecting   State = "connecting"
	AwaitingScan State = "awaiting-scan"
	Open         State = "open"
	Closing      State = "closing"
	LoggedOut    State = "logged-out"
	Failed       State = "failed"
)

// Terminal reports whether no further automatic transition follows s.
func (s State) Terminal() bool {
	switch s {
	case Idle, LoggedOut, Failed:
		return true
	default:
		return false
	}
}

// Live reports whether a session in s should be resumed after its owner died.
func (s State) Live() bool {
	switch s {
	case Claiming, Connecting, AwaitingScan, Open, Closing:
		return true
	default:
		return false
	}
}

// Transition describes one state change. Delay and Attempt are set when a reconnect
// is scheduled.
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    string
	Attempt   int
	Delay     time.Duration
	At        time.Time
}
