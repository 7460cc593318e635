package entity

import (
	"errors"
	"testing"
)

func TestTransitionAllowsSoftDeleteFromActive(t *testing.T) {
	next, err := Transition(LifecycleActive, LifecycleSoftDeleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LifecycleSoftDeleted {
		t.Fatalf("expected soft_deleted, got %s", next)
	}
}

func TestTransitionAllowsRestoreFromSoftDeleted(t *testing.T) {
	next, err := Transition(LifecycleSoftDeleted, LifecycleActive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LifecycleActive {
		t.Fatalf("expected active, got %s", next)
	}
}

func TestTransitionRejectsHardDeleteFromActive(t *testing.T) {
	_, err := Transition(LifecycleActive, LifecycleHardDeleted)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}
}

func TestTransitionRejectsLeavingHardDeleted(t *testing.T) {
	_, err := Transition(LifecycleHardDeleted, LifecycleActive)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	_, err := Transition(LifecycleState("archived"), LifecycleActive)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}
}

func TestCanHardDeleteOnlyFromSoftDeleted(t *testing.T) {
	if LifecycleActive.CanHardDelete() {
		t.Fatalf("active entities must not be hard-deletable")
	}
	if !LifecycleSoftDeleted.CanHardDelete() {
		t.Fatalf("soft-deleted entities must be hard-deletable")
	}
	if LifecycleHardDeleted.CanHardDelete() {
		t.Fatalf("hard-deleted entities must not be hard-deletable again")
	}
}

func TestDeletedCoversBothDeletionStates(t *testing.T) {
	if LifecycleActive.Deleted() {
		t.Fatalf("active entities are not deleted")
	}
	if !LifecycleSoftDeleted.Deleted() || !LifecycleHardDeleted.Deleted() {
		t.Fatalf("deleted states must report deleted")
	}
}
