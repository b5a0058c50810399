package network

import (
	"context"
	"sync"
	"time"
)

// TokenBucket throttles REST snapshot requests. Burst and rate halve when the
// observed median RTT degrades to more than twice the baseline.
type TokenBucket struct {
	mu            sync.Mutex
	capacity      int
	tokens        float64
	rate          float64 // tokens per second
	last          time.Time
	baselineRTTms float64
}

func NewTokenBucket(capacity int, rate float64, baselineRTTms float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{capacity: capacity, tokens: float64(capacity), rate: rate, last: time.Now(), baselineRTTms: baselineRTTms}
}

func (b *TokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		if b.Allow(time.Now()) {
			return nil
		}
		t := time.NewTimer(b.retryAfter())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *TokenBucket) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rate <= 0 {
		return time.Second
	}
	missing := 1 - b.tokens
	if missing < 0 {
		missing = 0
	}
	d := time.Duration(missing / b.rate * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (b *TokenBucket) refill(now time.Time) {
	dt := now.Sub(b.last).Seconds()
	if dt < 0 {
		dt = 0
	}
	b.last = now
	b.tokens += b.rate * dt
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

func (b *TokenBucket) AdjustForRTT(medianRTTms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baselineRTTms <= 0 {
		return
	}
	if medianRTTms/b.baselineRTTms > 2.0 {
		b.capacity = max(1, b.capacity/2)
		b.rate *= 0.5
		if b.tokens > float64(b.capacity) {
			b.tokens = float64(b.capacity)
		}
	}
}
