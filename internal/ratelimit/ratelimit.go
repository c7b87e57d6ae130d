// Package ratelimit implements the per-session token bucket gating
// inbound frames. The bucket refills to full capacity once per window
// rather than continuously; observable behavior is that at most
// Capacity frames pass in any window.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// Capacity is the number of frames allowed per window.
	Capacity = 10
	// Window is the discrete refill interval.
	Window = time.Second
)

type Bucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	lastRefill time.Time
	window     time.Duration

	now func() time.Time
}

func New(capacity int, window time.Duration) *Bucket {
	b := &Bucket{
		tokens:   capacity,
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Allow consumes one token, refilling the bucket first if a full window
// has elapsed. Returns false when the bucket is empty.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastRefill) >= b.window {
		b.tokens = b.capacity
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
