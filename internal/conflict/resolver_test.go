package conflict

import (
	"testing"
	"time"

	"github.com/stafflink/rosterhub/internal/entity"
)

func changeRequest(t *testing.T, operation entity.Operation, baseVersion int64, payload entity.Payload) entity.ChangeRequest {
	t.Helper()
	key, err := entity.NewKey("shift-1")
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	clientID, err := entity.NewClientID("client-a")
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return entity.ChangeRequest{
		Key:         key,
		Topic:       entity.TopicAll,
		Operation:   operation,
		BaseVersion: baseVersion,
		Payload:     payload,
		ClientID:    clientID,
		SubmittedAt: time.Unix(1700000100, 0).UTC(),
	}
}

func storedEntity(version int64, lifecycle entity.LifecycleState, payloadJSON string) *entity.Entity {
	return &entity.Entity{
		Key:              "shift-1",
		Topic:            "all",
		Version:          version,
		PayloadJSON:      payloadJSON,
		Lifecycle:        lifecycle,
		UpdatedAtSeconds: 1700000000,
	}
}

func newTestResolver(t *testing.T, strategy Strategy) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{Strategy: strategy})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}
	return resolver
}

func TestResolverRequiresStrategy(t *testing.T) {
	if _, err := NewResolver(ResolverConfig{}); err == nil {
		t.Fatalf("expected constructor error without a strategy")
	}
}

func TestResolveAcceptsCreateOfMissingEntity(t *testing.T) {
	resolver := newTestResolver(t, LastWriterWins{})
	request := changeRequest(t, entity.OperationCreate, 0, entity.Payload{"name": "A"})

	decision, err := resolver.Resolve(nil, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Conflicted {
		t.Fatalf("expected fast path for a create")
	}
	if !decision.Resolution.Accepted {
		t.Fatalf("expected create to be accepted")
	}
}

func TestResolveFlagsUpdateOfMissingEntity(t *testing.T) {
	resolver := newTestResolver(t, LastWriterWins{})
	request := changeRequest(t, entity.OperationUpdate, 3, entity.Payload{"name": "A"})

	decision, err := resolver.Resolve(nil, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Conflicted || decision.Type != TypeMissing {
		t.Fatalf("expected missing-entity conflict, got %+v", decision)
	}
}

func TestResolveFastPathOnMatchingVersion(t *testing.T) {
	resolver := newTestResolver(t, UserChoice{})
	request := changeRequest(t, entity.OperationUpdate, 5, entity.Payload{"name": "B"})

	decision, err := resolver.Resolve(storedEntity(5, entity.LifecycleActive, `{"name":"A"}`), request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Conflicted {
		t.Fatalf("expected no conflict for a matching base version")
	}
	if !decision.Resolution.Accepted {
		t.Fatalf("expected fast-path accept")
	}
	if decision.Resolution.Payload["name"] != "B" {
		t.Fatalf("unexpected payload %v", decision.Resolution.Payload)
	}
}

func TestResolveDispatchesStaleVersionToStrategy(t *testing.T) {
	resolver := newTestResolver(t, FirstWriterWins{})
	request := changeRequest(t, entity.OperationUpdate, 4, entity.Payload{"name": "B"})

	decision, err := resolver.Resolve(storedEntity(5, entity.LifecycleActive, `{"name":"A"}`), request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Conflicted || decision.Type != TypeStaleVersion {
		t.Fatalf("expected stale-version conflict, got %+v", decision)
	}
	if decision.Resolution.Accepted {
		t.Fatalf("expected first-writer-wins to reject the stale change")
	}
	if decision.Resolution.Authoritative["name"] != "A" {
		t.Fatalf("expected authoritative payload, got %v", decision.Resolution.Authoritative)
	}
}

func TestResolveFlagsUpdateOfSoftDeletedEntity(t *testing.T) {
	resolver := newTestResolver(t, UserChoice{})
	request := changeRequest(t, entity.OperationUpdate, 5, entity.Payload{"name": "B"})

	decision, err := resolver.Resolve(storedEntity(5, entity.LifecycleSoftDeleted, `{"name":"A"}`), request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Conflicted || decision.Type != TypeDeleted {
		t.Fatalf("expected deleted conflict, got %+v", decision)
	}
	if !decision.Resolution.RequiresChoice {
		t.Fatalf("expected deletion conflict to be surfaced for choice")
	}
}

func TestResolveFailsOnCorruptBasePayload(t *testing.T) {
	resolver := newTestResolver(t, LastWriterWins{})
	request := changeRequest(t, entity.OperationUpdate, 4, entity.Payload{"name": "B"})

	if _, err := resolver.Resolve(storedEntity(5, entity.LifecycleActive, "{corrupt"), request); err == nil {
		t.Fatalf("expected error for undecodable base payload")
	}
}
