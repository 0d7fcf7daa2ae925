package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// SlidingWindow approximates a trailing window with two fixed counters:
//
//	estimate = current + previous * (1 - elapsed/window)
//
// The estimate only drifts from the true trailing count when traffic in the
// previous window was not spread evenly, and never by more than that window's
// count.
type SlidingWindow struct {
	Store CounterStore
}

func (s SlidingWindow) Evaluate(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	sc, err := s.Store.SlidingIncrement(ctx, key, rule.Window(), now)
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window %s: %w", key, err)
	}

	startMS := windowStart(now, rule.WindowMS)
	elapsed := float64(now.UnixMilli()-startMS) / float64(rule.WindowMS)
	estimate := SlidingEstimate(sc, elapsed)

	dec := Decision{
		Allowed:      estimate <= float64(rule.Max),
		Algorithm:    Sliding,
		Limit:        rule.Max,
		Remaining:    remaining(rule.Max, int64(math.Ceil(estimate))),
		ResetUnixSec: ceilUnix(time.UnixMilli(startMS + rule.WindowMS)),
	}
	if !dec.Allowed {
		dec.RetryAfter = slidingRetry(sc, rule, startMS, now)
	}
	return dec, nil
}

func SlidingEstimate(sc SlidingCount, elapsed float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 1 {
		elapsed = 1
	}
	return float64(sc.Current) + float64(sc.Previous)*(1-elapsed)
}

// slidingRetry finds the earliest instant at which one more request would fit,
// assuming no other traffic arrives in between.
func slidingRetry(sc SlidingCount, rule Rule, startMS int64, now time.Time) time.Duration {
	w := float64(rule.WindowMS)
	limit := float64(rule.Max)
	if rule.Max <= 0 {
		return rule.Window()
	}

	var at float64
	switch next := float64(sc.Current) + 1; {
	case next <= limit && sc.Previous > 0:
		// fits later in this window once the previous window has decayed enough
		f := 1 - (limit-next)/float64(sc.Previous)
		at = float64(startMS) + math.Ceil(f*w)
	case sc.Current == 0:
		at = float64(startMS) + w
	default:
		f := 1 - (limit-1)/float64(sc.Current)
		if f < 0 {
			f = 0
		}
		at = float64(startMS) + w + math.Ceil(f*w)
	}

	d := time.Duration(int64(at)+1-now.UnixMilli()) * time.Millisecond
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
