package util

// StateTransitions maps states to their set of valid next states
//
// Generic state transition tables are used to validate execution, step, and
// approval status changes
type StateTransitions[T comparable] map[T]Set[T]

// CanTransition returns true if moving from one state to another is allowed
func (t StateTransitions[T]) CanTransition(from, to T) bool {
	next, ok := t[from]
	if !ok {
		return false
	}
	return next.Contains(to)
}

// IsTerminal returns true if the state has no valid next states
func (t StateTransitions[T]) IsTerminal(state T) bool {
	next, ok := t[state]
	return ok && next.IsEmpty()
}
