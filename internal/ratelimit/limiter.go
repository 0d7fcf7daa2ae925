package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStoreUnavailable is wrapped by every counter store failure the caller
// should treat as "the limiter cannot decide right now".
var ErrStoreUnavailable = errors.New("counter store unavailable")

type Algorithm int

const (
	Fixed Algorithm = iota + 1
	Sliding
	TokenBucket
)

func (a Algorithm) String() string {
	switch a {
	case Fixed:
		return "fixed"
	case Sliding:
		return "sliding"
	case TokenBucket:
		return "token_bucket"
	default:
		return "unknown"
	}
}

func (a Algorithm) Valid() bool { return a >= Fixed && a <= TokenBucket }

// ParseAlgorithm accepts the header names plus a few spellings seen in env files.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "fixed_window", "fixed-window":
		return Fixed, nil
	case "sliding", "sliding_window", "sliding-window":
		return Sliding, nil
	case "token_bucket", "token-bucket", "tokenbucket", "bucket":
		return TokenBucket, nil
	}
	return 0, fmt.Errorf("unknown algorithm %q", s)
}

func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid algorithm %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Rule is the effective limit for one request. Treat it as a value; nothing
// mutates a Rule after resolution.
type Rule struct {
	Algorithm Algorithm
	Max       int
	WindowMS  int64
}

func (r Rule) Window() time.Duration { return time.Duration(r.WindowMS) * time.Millisecond }

type Decision struct {
	Allowed      bool
	Algorithm    Algorithm
	Limit        int   // effective max
	Remaining    int   // never negative
	ResetUnixSec int64 // when the window / bucket state resets
	RetryAfter   time.Duration
}

// Engine evaluates one request against a rule. Engines keep no state of their
// own; everything lives in the CounterStore.
type Engine interface {
	Evaluate(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

// Engines dispatches on Rule.Algorithm.
type Engines struct {
	fixed   FixedWindow
	sliding SlidingWindow
	bucket  Bucket
}

func NewEngines(store CounterStore) *Engines {
	return &Engines{
		fixed:   FixedWindow{Store: store},
		sliding: SlidingWindow{Store: store},
		bucket:  Bucket{Store: store},
	}
}

func (e *Engines) Evaluate(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	switch rule.Algorithm {
	case Fixed:
		return e.fixed.Evaluate(ctx, key, rule, now)
	case Sliding:
		return e.sliding.Evaluate(ctx, key, rule, now)
	case TokenBucket:
		return e.bucket.Evaluate(ctx, key, rule, now)
	default:
		return Decision{}, fmt.Errorf("evaluate %s: unsupported algorithm %d", key, int(rule.Algorithm))
	}
}

func remaining(limit int, used int64) int {
	r := int64(limit) - used
	if r < 0 {
		return 0
	}
	if r > int64(limit) {
		return limit
	}
	return int(r)
}

// retrySeconds rounds up and never returns less than one second.
func retrySeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// RetryAfterSeconds is the integer form used in the Retry-After header.
func (d Decision) RetryAfterSeconds() int64 { return retrySeconds(d.RetryAfter) }

// ceilUnix rounds a reset instant up to whole epoch seconds so clients never
// retry before the state has actually rolled over.
func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}
