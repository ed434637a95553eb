// Package theatre owns the lifecycle of a verification Theatre: the
// six-state machine, the per-instance single-writer discipline, and the
// registry of live instances.
package theatre

import "fmt"

// State is the lifecycle state of a Theatre.
type State string

const (
	StateDraft     State = "DRAFT"
	StateCommitted State = "COMMITTED"
	StateActive    State = "ACTIVE"
	StateSettling  State = "SETTLING"
	StateResolved  State = "RESOLVED"
	StateArchived  State = "ARCHIVED"
)

// Event triggers a lifecycle transition.
type Event string

const (
	EventCommit   Event = "COMMIT"
	EventActivate Event = "ACTIVATE"
	EventSettle   Event = "SETTLE"
	EventResolve  Event = "RESOLVE"
	EventArchive  Event = "ARCHIVE"
)

// transitions is the exhaustive transition table. Every (state, event)
// pair absent from this table is an invalid transition; all transitions
// are one-directional, there is no path back to an earlier state.
var transitions = map[State]map[Event]State{
	StateDraft:     {EventCommit: StateCommitted},
	StateCommitted: {EventActivate: StateActive},
	StateActive:    {EventSettle: StateSettling},
	StateSettling:  {EventResolve: StateResolved},
	StateResolved:  {EventArchive: StateArchived},
	StateArchived:  {},
}

// Next resolves the transition table for (from, event).
func Next(from State, event Event) (State, bool) {
	next, ok := transitions[from][event]
	return next, ok
}

// Terminal reports whether a state has no outgoing transitions.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError rejects a (state, event) pair outside the
// transition table. It is a programming or ordering error and is never
// silently coerced.
type InvalidTransitionError struct {
	TheatreID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("theatre %s: invalid transition %s -> %s", e.TheatreID, e.From, e.To)
}

// targetOf names the state an event attempts to reach, for error
// reporting on invalid pairs.
func targetOf(event Event) State {
	switch event {
	case EventCommit:
		return StateCommitted
	case EventActivate:
		return StateActive
	case EventSettle:
		return StateSettling
	case EventResolve:
		return StateResolved
	case EventArchive:
		return StateArchived
	default:
		return State("UNKNOWN")
	}
}
