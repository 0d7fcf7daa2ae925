package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Bucket is a token bucket with capacity Max refilled continuously at
// Max / window tokens per second.
type Bucket struct {
	Store CounterStore
}

func BucketFor(rule Rule) BucketParams {
	capacity := float64(rule.Max)
	if capacity < 0 {
		capacity = 0
	}
	return BucketParams{
		Capacity:     capacity,
		RefillPerSec: capacity / (float64(rule.WindowMS) / 1000),
	}
}

func (b Bucket) Evaluate(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	p := BucketFor(rule)

	st, ok, err := b.Store.ConsumeToken(ctx, key, p, rule.Window(), now)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}

	dec := Decision{
		Allowed:   ok,
		Algorithm: TokenBucket,
		Limit:     rule.Max,
		Remaining: remaining(rule.Max, int64(rule.Max)-int64(math.Floor(st.Tokens))),
	}

	// estimate reset time (to full)
	if st.Tokens >= p.Capacity || p.RefillPerSec <= 0 {
		dec.ResetUnixSec = ceilUnix(now)
	} else {
		need := (p.Capacity - st.Tokens) / p.RefillPerSec
		dec.ResetUnixSec = ceilUnix(now.Add(time.Duration(need * float64(time.Second))))
	}

	if !ok {
		if p.RefillPerSec <= 0 {
			dec.RetryAfter = rule.Window()
			dec.ResetUnixSec = ceilUnix(now.Add(rule.Window()))
		} else {
			wait := (1 - st.Tokens) / p.RefillPerSec
			dec.RetryAfter = time.Duration(math.Ceil(wait * float64(time.Second)))
		}
	}
	return dec, nil
}
