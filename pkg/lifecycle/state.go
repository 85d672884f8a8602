// Package lifecycle tracks the run state of a TAuth process and the
// readiness of the components it depends on.
//
// # Process lifecycle
//
// A [Process] moves through a small state machine:
//
//	Unknown → Starting → Running → Draining → Stopped
//
// Any non-terminal state may move to Failed. Both terminal states
// (Stopped, Failed) may move back to Starting, so a failed startup can be
// retried without rebuilding the process.
//
// Requests are served only while Running. Draining is entered when a
// shutdown begins, so the readiness probe reports unavailable while
// in-flight requests finish.
//
// # Readiness
//
// Components such as the record store, the policy engine and the shared
// key cache register a [Check]. [Process.Ready] runs every check and
// reports the first failure.
package lifecycle

// State is the lifecycle state of a process. The zero value is not a
// valid state; processes start in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a process that has not been started.
	StateUnknown State = "unknown"

	// StateStarting is held while the start hook runs.
	StateStarting State = "starting"

	// StateRunning is the only state in which the process is ready.
	StateRunning State = "running"

	// StateDraining is held while the stop hook runs.
	StateDraining State = "draining"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a failed hook.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateDraining, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// transitions is the allowed transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Draining, Failed
//	Running  → Draining, Failed
//	Draining → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var transitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateDraining, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
