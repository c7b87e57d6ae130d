package ratelimit

import (
	"testing"
	"time"
)

func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestBucket_AllowsWithinLimit(t *testing.T) {
	b := New(5, time.Second)
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("frame %d should be allowed", i+1)
		}
	}
}

func TestBucket_BlocksExcess(t *testing.T) {
	b := New(3, time.Second)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("frame %d should be allowed", i+1)
		}
	}
	if b.Allow() {
		t.Error("4th frame should be blocked")
	}
}

func TestBucket_RefillsAfterWindow(t *testing.T) {
	now, advance := fakeClock(time.Unix(1000, 0))
	b := New(2, time.Second)
	b.now = now
	b.lastRefill = now()

	if !b.Allow() || !b.Allow() {
		t.Fatal("initial tokens should be available")
	}
	if b.Allow() {
		t.Fatal("bucket should be empty")
	}

	advance(time.Second)
	if !b.Allow() {
		t.Error("bucket should refill after the window")
	}
	if !b.Allow() {
		t.Error("refill should restore full capacity")
	}
}

func TestBucket_NoPartialRefill(t *testing.T) {
	now, advance := fakeClock(time.Unix(1000, 0))
	b := New(1, time.Second)
	b.now = now
	b.lastRefill = now()

	if !b.Allow() {
		t.Fatal("first frame should be allowed")
	}
	advance(500 * time.Millisecond)
	if b.Allow() {
		t.Error("half a window should not refill the bucket")
	}
}

func TestBucket_TenPerWindow(t *testing.T) {
	now, advance := fakeClock(time.Unix(1000, 0))
	b := New(Capacity, Window)
	b.now = now
	b.lastRefill = now()

	for i := 0; i < Capacity; i++ {
		if !b.Allow() {
			t.Fatalf("frame %d should pass", i+1)
		}
	}
	if b.Allow() {
		t.Error("11th frame within the window must be rejected")
	}

	advance(Window)
	for i := 0; i < Capacity; i++ {
		if !b.Allow() {
			t.Fatalf("frame %d of next window should pass", i+1)
		}
	}
}
