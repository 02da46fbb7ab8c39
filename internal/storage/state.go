package storage

import (
	"fmt"
	"slices"
	"time"
)

var transitions = map[LeaseState][]LeaseState{
	StatePending:  {StateActive, StateFailed},
	StateActive:   {StateExpiring, StateRevoked},
	StateExpiring: {StateExpired, StateRevoked},
}

// CanTransition reports whether from -> to is a legal lease transition.
func CanTransition(from, to LeaseState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the states from which to is reachable in one step.
func Predecessors(to LeaseState) []LeaseState {
	var out []LeaseState
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// InvalidTransitionError reports a rejected state change.
type InvalidTransitionError struct {
	ID   string
	From LeaseState
	To   LeaseState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("storage: lease %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// ApplyTransition moves lease to state at the given instant, validating the step.
// Backends that cannot run the check server-side share this logic.
func ApplyTransition(lease *Lease, to LeaseState, at time.Time) error {
	if !CanTransition(lease.State, to) {
		return &InvalidTransitionError{ID: lease.ID, From: lease.State, To: to}
	}
	lease.State = to
	t := at.UTC()
	lease.UpdatedAt = t
	if to.Terminal() {
		lease.EndedAt = &t
	}
	return nil
}

// PutSources returns the stored states an upsert to state may overwrite:
// its predecessors, plus state itself unless it is terminal.
func PutSources(state LeaseState) []LeaseState {
	out := Predecessors(state)
	if !state.Terminal() {
		out = append(out, state)
	}
	return out
}

// ValidatePut checks an upsert against the stored copy of the same lease and
// the owner's current live lease (either may be nil). A stored lease in a
// terminal state is never rewritten.
func ValidatePut(incoming Lease, stored, live *Lease) error {
	if stored != nil {
		if !slices.Contains(PutSources(incoming.State), stored.State) {
			return &InvalidTransitionError{ID: incoming.ID, From: stored.State, To: incoming.State}
		}
		if stored.State != StatePending && !stored.ExpiresAt.Equal(incoming.ExpiresAt) {
			return ErrImmutableExpiry
		}
	}
	if incoming.State.Live() && live != nil && live.ID != incoming.ID {
		return ErrConflict
	}
	return nil
}
