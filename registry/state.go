package registry

// State is the lifecycle state of a component registration.
type State string

const (
	StateUnknown      State = "UNKNOWN"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateActive       State = "ACTIVE"
	StateDegraded     State = "DEGRADED"
	StateInactive     State = "INACTIVE"
	StateError        State = "ERROR"
	StateFailed       State = "FAILED"
	StateStopping     State = "STOPPING"
	StateRestarting   State = "RESTARTING"
)

// allowedTransitions is the authoritative transition table. ERROR is
// reachable from every non-terminal state.
var allowedTransitions = map[State]map[State]bool{
	StateUnknown: {
		StateInitializing: true,
		StateError:        true,
	},
	StateInitializing: {
		StateReady: true,
		// An unresolved dependency cycle parks the component in DEGRADED
		// instead of leaving it in INITIALIZING forever.
		StateDegraded: true,
		StateFailed:   true,
		StateError:    true,
	},
	StateReady: {
		StateActive:   true,
		StateDegraded: true,
		StateStopping: true,
		StateError:    true,
	},
	StateActive: {
		StateDegraded: true,
		StateError:    true,
		StateStopping: true,
	},
	StateDegraded: {
		StateReady:  true,
		StateActive: true,
		StateError:  true,
		StateFailed: true,
	},
	StateError: {
		StateDegraded:   true,
		StateFailed:     true,
		StateRestarting: true,
	},
	StateFailed: {
		StateRestarting: true,
	},
	StateRestarting: {
		StateInitializing: true,
		StateError:        true,
	},
	StateStopping: {
		StateInactive: true,
		StateError:    true,
	},
	StateInactive: {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether a registration in this state no longer counts
// against the one-active-registration-per-component invariant. FAILED is
// terminal for registration purposes but remains restartable.
func (s State) Terminal() bool {
	switch s {
	case StateInactive, StateFailed, StateStopping:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to State) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Healthy reports whether a provider in this state may serve capability
// calls. DEGRADED providers remain callable; the fallback engine prefers
// higher-level healthy providers first.
func (s State) Healthy() bool {
	switch s {
	case StateReady, StateActive, StateDegraded:
		return true
	default:
		return false
	}
}
