package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// FixedWindow counts requests in windows aligned to multiples of the window
// length. Up to 2x Max can pass across a boundary.
type FixedWindow struct {
	Store CounterStore
}

func (f FixedWindow) Evaluate(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	startMS := windowStart(now, rule.WindowMS)
	end := time.UnixMilli(startMS + rule.WindowMS)

	c, err := f.Store.Increment(ctx, key+":"+strconv.FormatInt(startMS, 10), end.Sub(now))
	if err != nil {
		return Decision{}, fmt.Errorf("fixed window %s: %w", key, err)
	}

	dec := Decision{
		Allowed:      c.Count <= int64(rule.Max),
		Algorithm:    Fixed,
		Limit:        rule.Max,
		Remaining:    remaining(rule.Max, c.Count),
		ResetUnixSec: ceilUnix(end),
	}
	if !dec.Allowed {
		dec.RetryAfter = end.Sub(now)
	}
	return dec, nil
}

// windowStart is floor(now / window) * window in epoch milliseconds.
func windowStart(now time.Time, windowMS int64) int64 {
	ms := now.UnixMilli()
	start := ms / windowMS * windowMS
	if ms < 0 && ms%windowMS != 0 {
		start -= windowMS
	}
	return start
}
