package entity

import (
	"errors"
	"fmt"
)

// LifecycleState tracks the deletion lifecycle of an entity. Hard deletion is
// only legal as a transition out of SoftDeleted, never directly from Active.
type LifecycleState string

const (
	// LifecycleActive is the normal, visible state.
	LifecycleActive LifecycleState = "active"
	// LifecycleSoftDeleted hides the entity but keeps it recoverable.
	LifecycleSoftDeleted LifecycleState = "soft_deleted"
	// LifecycleHardDeleted marks the entity for physical removal.
	LifecycleHardDeleted LifecycleState = "hard_deleted"
)

// ErrIllegalTransition indicates a lifecycle transition that the state machine
// does not permit.
var ErrIllegalTransition = errors.New("entity: illegal lifecycle transition")

var lifecycleTransitions = map[LifecycleState]map[LifecycleState]bool{
	LifecycleActive: {
		LifecycleActive:      true,
		LifecycleSoftDeleted: true,
	},
	LifecycleSoftDeleted: {
		LifecycleActive:      true,
		LifecycleSoftDeleted: true,
		LifecycleHardDeleted: true,
	},
	LifecycleHardDeleted: {},
}

// Transition validates a lifecycle move and returns the new state.
func Transition(from, to LifecycleState) (LifecycleState, error) {
	allowed, ok := lifecycleTransitions[from]
	if !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, from)
	}
	if !allowed[to] {
		return "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// CanHardDelete reports whether the entity may be physically removed.
func (s LifecycleState) CanHardDelete() bool {
	return s == LifecycleSoftDeleted
}

// Deleted reports whether the entity is hidden from normal reads.
func (s LifecycleState) Deleted() bool {
	return s == LifecycleSoftDeleted || s == LifecycleHardDeleted
}
