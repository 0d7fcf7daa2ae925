package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/shopguard/internal/ratelimit/redisstore"
)

// hash layout: "total" holds the running score, "ev:<type>" one count per
// event type, so no event name can land on the total
const (
	totalField  = "total"
	eventPrefix = "ev:"
)

// RedisStore keeps one hash per identity. The key expiry is set once, when
// the hash is created.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *redisstore.Breaker
	now     func() time.Time
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

// WithBreaker shares the cooldown state of the counter store using the same
// connection, so an outage fails both fast.
func WithBreaker(b *redisstore.Breaker) RedisOption {
	return func(s *RedisStore) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, timeout time.Duration, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = "shopguard:"
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	s := &RedisStore{rdb: rdb, prefix: prefix + "abuse:", timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = redisstore.NewBreaker(time.Second)
	}
	return s
}

func (s *RedisStore) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := s.breaker.Check(op); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, cancel, nil
}

var addScript = redis.NewScript(`
local total = redis.call('HINCRBY', KEYS[1], 'total', ARGV[2])
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return total
`)

func (s *RedisStore) Add(ctx context.Context, identity string, event EventType, weight int, ttl time.Duration) (int64, error) {
	opCtx, cancel, err := s.begin(ctx, "abuse add")
	if err != nil {
		return 0, err
	}
	defer cancel()

	total, err := addScript.Run(opCtx, s.rdb, []string{s.prefix + identity},
		eventPrefix+string(event), weight, max(int64(1), ttl.Milliseconds())).Int64()
	if err != nil {
		return 0, s.breaker.Fail(ctx, "abuse add", err)
	}
	return total, nil
}

func (s *RedisStore) Score(ctx context.Context, identity string) (int64, error) {
	opCtx, cancel, err := s.begin(ctx, "abuse score")
	if err != nil {
		return 0, err
	}
	defer cancel()

	v, err := s.rdb.HGet(opCtx, s.prefix+identity, totalField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.breaker.Fail(ctx, "abuse score", err)
	}
	return v, nil
}

func (s *RedisStore) Record(ctx context.Context, identity string) (Record, bool, error) {
	opCtx, cancel, err := s.begin(ctx, "abuse record")
	if err != nil {
		return Record{}, false, err
	}
	defer cancel()

	key := s.prefix + identity
	var all *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	_, err = s.rdb.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(opCtx, key)
		ttl = pipe.PTTL(opCtx, key)
		return nil
	})
	if err != nil {
		return Record{}, false, s.breaker.Fail(ctx, "abuse record", err)
	}

	fields := all.Val()
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec := Record{EventCounts: make(map[EventType]int64, len(fields))}
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, false, fmt.Errorf("abuse record %s field %s: %w", identity, k, err)
		}
		switch {
		case k == totalField:
			rec.TotalScore = n
		case strings.HasPrefix(k, eventPrefix):
			rec.EventCounts[EventType(strings.TrimPrefix(k, eventPrefix))] = n
		}
	}
	if d := ttl.Val(); d > 0 {
		rec.ExpiresAt = s.now().Add(d)
	}
	return rec, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	opCtx, cancel, err := s.begin(ctx, "abuse delete")
	if err != nil {
		return err
	}
	defer cancel()

	if err := s.rdb.Del(opCtx, s.prefix+identity).Err(); err != nil {
		return s.breaker.Fail(ctx, "abuse delete", err)
	}
	return nil
}
