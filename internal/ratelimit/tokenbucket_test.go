package ratelimit

import "testing"

func TestTokenBucketStartsFull(t *testing.T) {
	tb := New(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.TryAcquire() {
			t.Fatalf("acquire %d: want allowed, got denied", i)
		}
	}
	if tb.TryAcquire() {
		t.Fatalf("acquire after capacity exhausted: want denied, got allowed")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	tb := New(1, 1)
	if !tb.TryAcquire() {
		t.Fatalf("initial acquire: want allowed")
	}
	if tb.TryAcquire() {
		t.Fatalf("immediate second acquire: want denied")
	}

	// Simulate 2 whole seconds elapsing without sleeping the test.
	tb.lastFilled = tb.lastFilled.Add(-2_000_000_000)
	if !tb.TryAcquire() {
		t.Fatalf("acquire after refill window: want allowed")
	}
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	tb := New(2, 100)
	tb.lastFilled = tb.lastFilled.Add(-60_000_000_000) // 60s of refill at rate 100/s
	acquired := 0
	for tb.TryAcquire() {
		acquired++
		if acquired > 2 {
			t.Fatalf("acquired more than capacity: %d", acquired)
		}
	}
	if acquired != 2 {
		t.Fatalf("acquired = %d, want 2", acquired)
	}
}

func TestTokenBucketDefaultRefillRate(t *testing.T) {
	tb := New(5, 0)
	if tb.refillRate != 1 {
		t.Fatalf("refillRate = %v, want default 1", tb.refillRate)
	}
}
