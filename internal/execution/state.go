package execution

import "slices"

// State is the lifecycle position of an execution.
type State string

// Execution states.
const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateFinished  State = "FINISHED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateRunning, StateFinished, StateFailed, StateCancelled}

// transitions is the complete transition table. Terminal states have no
// outgoing edges. PENDING -> FAILED is the provisioning failure path.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StateFinished, StateFailed, StateCancelled},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether the table allows moving from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// HasContainer reports whether executions in state s carry a container reference.
func (s State) HasContainer() bool {
	return s == StateRunning || s == StateFinished || s == StateFailed
}

// ParseState converts a string to a State.
func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}
