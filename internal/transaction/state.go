package transaction

import "fmt"

// State is a mutation transaction's position in its lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateStaged    State = "staged"
	StateValidated State = "validated"
	StateApplied   State = "applied"
	StatePersisted State = "persisted"
	StateReverted  State = "reverted"
	StateFailed    State = "failed"
	StateCleaned   State = "cleaned"
)

var terminalStates = map[State]bool{
	StateCleaned: true,
}

// Lifecycle order: created → staged → validated → applied →
// {persisted | reverted} → cleaned. failed is reachable from any
// non-terminal state and still passes through cleaned.
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StateStaged: true,
		StateFailed: true,
	},
	StateStaged: {
		StateValidated: true,
		StateFailed:    true,
	},
	StateValidated: {
		StateApplied: true,
		StateFailed:  true,
	},
	StateApplied: {
		StatePersisted: true,
		StateReverted:  true,
		StateFailed:    true,
	},
	StatePersisted: {
		StateCleaned: true,
	},
	StateReverted: {
		StateCleaned: true,
	},
	StateFailed: {
		StateCleaned: true,
	},
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s State) bool {
	return terminalStates[s]
}

// ValidateTransition checks that from → to is a legal lifecycle step.
func ValidateTransition(from, to State) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transaction transition: %q → %q", from, to)
	}
	return nil
}
