package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

// Breaker refuses calls for a cooldown after a transport failure so that an
// outage costs callers nothing instead of one op timeout each. Everything
// that talks to the same Redis should share one Breaker.
type Breaker struct {
	cooldown  time.Duration
	downUntil atomic.Int64 // unix nanos
	now       func() time.Time
}

func NewBreaker(cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &Breaker{cooldown: cooldown, now: time.Now}
}

// Check returns ErrStoreUnavailable while a recent failure is cooling down.
func (b *Breaker) Check(op string) error {
	if until := b.downUntil.Load(); until != 0 && b.now().UnixNano() < until {
		return fmt.Errorf("%w: %s: cooling down after failure", ratelimit.ErrStoreUnavailable, op)
	}
	return nil
}

func (b *Breaker) Reset() { b.downUntil.Store(0) }

// Fail classifies err from a call made on behalf of ctx. A caller that went
// away is not a store failure and never starts the cooldown; only transport
// errors and the store's own op timeout do. Redis error replies come back
// as ErrStoreUnavailable without tripping anything.
func (b *Breaker) Fail(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s: %w", op, cerr)
	}
	var reply redis.Error
	if !errors.As(err, &reply) {
		b.downUntil.Store(b.now().Add(b.cooldown).UnixNano())
	}
	return fmt.Errorf("%w: %s: %v", ratelimit.ErrStoreUnavailable, op, err)
}
