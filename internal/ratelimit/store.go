package ratelimit

import (
	"context"
	"time"
)

type Count struct {
	Count int64
	TTL   time.Duration // time left before the counter expires
}

type SlidingCount struct {
	Current  int64 // includes the request that triggered the update
	Previous int64
}

type BucketParams struct {
	Capacity     float64
	RefillPerSec float64
}

type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// CounterStore owns all per-key counter state. Implementations must be safe
// for concurrent use; every mutating call is atomic for its key.
type CounterStore interface {
	// Increment adds one to key. The expiry is set only when the counter is
	// created, so a fixed window never gets extended by traffic.
	Increment(ctx context.Context, key string, ttl time.Duration) (Count, error)

	// SlidingIncrement bumps the counter of the window containing now and
	// returns it together with the previous window's counter.
	SlidingIncrement(ctx context.Context, key string, window time.Duration, now time.Time) (SlidingCount, error)

	// ConsumeToken refills the bucket for the time elapsed since its last
	// refill and takes one token if at least one is available. A missing
	// bucket starts full.
	ConsumeToken(ctx context.Context, key string, p BucketParams, ttl time.Duration, now time.Time) (BucketState, bool, error)

	ReadBucket(ctx context.Context, key string) (BucketState, bool, error)
	WriteBucket(ctx context.Context, key string, st BucketState, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Refill applies continuous refill to st at now, clamped to capacity. A clock
// going backwards refills nothing and keeps LastRefill where it was.
func Refill(st BucketState, p BucketParams, now time.Time) BucketState {
	if now.After(st.LastRefill) {
		st.Tokens += now.Sub(st.LastRefill).Seconds() * p.RefillPerSec
		st.LastRefill = now
	}
	if st.Tokens > p.Capacity {
		st.Tokens = p.Capacity
	}
	if st.Tokens < 0 {
		st.Tokens = 0
	}
	return st
}
