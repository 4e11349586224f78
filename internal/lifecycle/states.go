// Package lifecycle defines the job state machine: states, actors, and the
// transition authorization table. Everything here is pure logic with no
// filesystem or clock access; the storage mover is the only component that
// turns an authorized transition into an effect.
package lifecycle

import "fmt"

// State is the lifecycle position of a job within its current stage.
// The on-disk directory name is exactly the state's string value.
type State string

const (
	// StateNew is the initial state. Jobs are born here and return here on
	// reclaim or retry.
	StateNew State = "NEW"
	// StateClaimed means a worker has taken ownership but not started work.
	StateClaimed State = "CLAIMED"
	// StateRunning means a worker is actively processing the job.
	StateRunning State = "RUNNING"
	// StateDone means the current stage completed. It doubles as the input
	// state for the next pipeline stage.
	StateDone State = "DONE"
	// StateFailed means the current stage failed. Only a retry leaves it.
	StateFailed State = "FAILED"
)

// AllStates returns every state in directory-scan order. The order is fixed
// so that Locate and Enumerate behave deterministically.
func AllStates() []State {
	return []State{StateNew, StateClaimed, StateRunning, StateDone, StateFailed}
}

// ParseState converts a directory name into a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNew, StateClaimed, StateRunning, StateDone, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Valid reports whether s is one of the five known states.
func (s State) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// String returns the wire/directory name of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether a job in this state has nowhere further to go.
// DONE is only terminal when no later stage exists; the dispatcher promotes
// DONE jobs into the next stage via DONE -> CLAIMED otherwise. FAILED is
// never strictly terminal because a retry returns the job to NEW, but no
// worker will pick it up without one.
func IsTerminal(s State, hasNextStage bool) bool {
	switch s {
	case StateDone:
		return !hasNextStage
	case StateFailed:
		return true
	default:
		return false
	}
}
