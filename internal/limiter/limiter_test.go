package limiter

import "testing"

func TestAllowExhaustsBurst(t *testing.T) {
	clientLimiter := NewClientLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !clientLimiter.Allow("client-a") {
			t.Fatalf("expected request %d within burst to pass", i+1)
		}
	}
	if clientLimiter.Allow("client-a") {
		t.Fatalf("expected request beyond burst to be denied")
	}
}

func TestBucketsAreIndependentPerClient(t *testing.T) {
	clientLimiter := NewClientLimiter(1, 1)

	if !clientLimiter.Allow("client-a") {
		t.Fatalf("expected first request from client-a to pass")
	}
	if clientLimiter.Allow("client-a") {
		t.Fatalf("expected second request from client-a to be denied")
	}
	if !clientLimiter.Allow("client-b") {
		t.Fatalf("a throttled client must not affect other clients")
	}
}

func TestBucketsCreatedLazily(t *testing.T) {
	clientLimiter := NewClientLimiter(5, 5)
	if clientLimiter.ActiveBuckets() != 0 {
		t.Fatalf("expected no buckets before first use")
	}
	clientLimiter.Allow("client-a")
	clientLimiter.Allow("client-b")
	clientLimiter.Allow("client-a")
	if clientLimiter.ActiveBuckets() != 2 {
		t.Fatalf("expected 2 buckets, got %d", clientLimiter.ActiveBuckets())
	}
}

func TestConstructorClampsInvalidSettings(t *testing.T) {
	clientLimiter := NewClientLimiter(-1, 0)
	if !clientLimiter.Allow("client-a") {
		t.Fatalf("expected clamped limiter to allow the first request")
	}
}
