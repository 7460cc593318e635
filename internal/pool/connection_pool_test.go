package pool

import "testing"

func TestConnectionPoolRejectsBeyondCapacity(t *testing.T) {
	connections := NewConnectionPool[string](2)

	if !connections.Add("a", "conn-a") {
		t.Fatalf("expected first add to succeed")
	}
	if !connections.Add("b", "conn-b") {
		t.Fatalf("expected second add to succeed")
	}
	if connections.Add("c", "conn-c") {
		t.Fatalf("expected add beyond capacity to be rejected")
	}
	if connections.Len() != 2 {
		t.Fatalf("expected 2 connections, got %d", connections.Len())
	}
}

func TestConnectionPoolRejectsDuplicateID(t *testing.T) {
	connections := NewConnectionPool[string](4)

	if !connections.Add("a", "first") {
		t.Fatalf("expected add to succeed")
	}
	if connections.Add("a", "second") {
		t.Fatalf("expected duplicate id to be rejected")
	}
	stored, ok := connections.Get("a")
	if !ok || stored != "first" {
		t.Fatalf("expected original connection to remain, got %q", stored)
	}
}

func TestConnectionPoolRemoveFreesSlot(t *testing.T) {
	connections := NewConnectionPool[string](1)
	connections.Add("a", "conn-a")

	if !connections.Remove("a") {
		t.Fatalf("expected remove to succeed")
	}
	if connections.Remove("a") {
		t.Fatalf("expected second remove to report missing")
	}
	if !connections.Add("b", "conn-b") {
		t.Fatalf("expected freed slot to accept a new connection")
	}
	if connections.Capacity() != 1 {
		t.Fatalf("unexpected capacity %d", connections.Capacity())
	}
}
