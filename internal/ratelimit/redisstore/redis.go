// Package redisstore is the shared CounterStore backed by Redis. Every call is
// a single atomic round trip (Lua script or MULTI/EXEC) bounded by a short
// timeout, so callers either get an answer quickly or ErrStoreUnavailable.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	OpTimeout   time.Duration // per command
	DialTimeout time.Duration
	Cooldown    time.Duration // how long to refuse calls after a connection failure
}

func (c *Config) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "shopguard:"
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 50 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 250 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
}

type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *Breaker
}

var _ ratelimit.CounterStore = (*Store)(nil)

// New dials Redis and pings it once. A failed ping closes the client and
// returns an error so the caller can pick the in-process store instead.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	cfg.setDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolTimeout:  cfg.OpTimeout,
		MaxRetries:   -1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(rdb, cfg), nil
}

// NewFromClient wraps an existing client without pinging it.
func NewFromClient(rdb redis.UniversalClient, cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		rdb:     rdb,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.OpTimeout,
		breaker: NewBreaker(cfg.Cooldown),
	}
}

// Client exposes the underlying connection so other components (the abuse
// tracker) can share it.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Breaker is the cooldown state of this connection, for stores sharing it.
func (s *Store) Breaker() *Breaker { return s.breaker }

func (s *Store) OpTimeout() time.Duration { return s.timeout }

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.Ping(opCtx).Err(); err != nil {
		return s.fail(ctx, "ping", err)
	}
	s.breaker.Reset()
	return nil
}

func (s *Store) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := s.breaker.Check(op); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, cancel, nil
}

func (s *Store) fail(ctx context.Context, op string, err error) error {
	return s.breaker.Fail(ctx, op, err)
}

func (s *Store) key(k string) string { return s.prefix + k }

var fixedScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (ratelimit.Count, error) {
	opCtx, cancel, err := s.begin(ctx, "increment")
	if err != nil {
		return ratelimit.Count{}, err
	}
	defer cancel()

	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := fixedScript.Run(opCtx, s.rdb, []string{s.key(key)}, ms).Int64Slice()
	if err != nil {
		return ratelimit.Count{}, s.fail(ctx, "increment", err)
	}
	if len(res) != 2 {
		return ratelimit.Count{}, fmt.Errorf("%w: increment: unexpected reply %v", ratelimit.ErrStoreUnavailable, res)
	}
	return ratelimit.Count{Count: res[0], TTL: time.Duration(res[1]) * time.Millisecond}, nil
}

func (s *Store) SlidingIncrement(ctx context.Context, key string, window time.Duration, now time.Time) (ratelimit.SlidingCount, error) {
	opCtx, cancel, err := s.begin(ctx, "sliding")
	if err != nil {
		return ratelimit.SlidingCount{}, err
	}
	defer cancel()

	w := window.Milliseconds()
	start := now.UnixMilli() / w * w
	curKey := s.key(key + ":" + strconv.FormatInt(start, 10))
	prevKey := s.key(key + ":" + strconv.FormatInt(start-w, 10))

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(opCtx, curKey)
	pipe.PExpire(opCtx, curKey, 2*window)
	prev := pipe.Get(opCtx, prevKey)
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		return ratelimit.SlidingCount{}, s.fail(ctx, "sliding", err)
	}
	if err := incr.Err(); err != nil {
		return ratelimit.SlidingCount{}, s.fail(ctx, "sliding", err)
	}

	p, err := prev.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ratelimit.SlidingCount{}, s.fail(ctx, "sliding", err)
	}
	return ratelimit.SlidingCount{Current: incr.Val(), Previous: p}, nil
}

var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
if now > last then
  tokens = tokens + (now - last) / 1000 * rate
  last = now
end
if tokens > capacity then tokens = capacity end
if tokens < 0 then tokens = 0 end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(last))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens), tostring(last)}
`)

func (s *Store) ConsumeToken(ctx context.Context, key string, p ratelimit.BucketParams, ttl time.Duration, now time.Time) (ratelimit.BucketState, bool, error) {
	opCtx, cancel, err := s.begin(ctx, "bucket")
	if err != nil {
		return ratelimit.BucketState{}, false, err
	}
	defer cancel()

	res, err := bucketScript.Run(opCtx, s.rdb, []string{s.key(key)},
		p.Capacity, p.RefillPerSec, now.UnixMilli(), max(int64(1), ttl.Milliseconds())).Slice()
	if err != nil {
		return ratelimit.BucketState{}, false, s.fail(ctx, "bucket", err)
	}
	if len(res) != 3 {
		return ratelimit.BucketState{}, false, fmt.Errorf("%w: bucket: unexpected reply %v", ratelimit.ErrStoreUnavailable, res)
	}

	allowed, _ := res[0].(int64)
	tokens, err := parseFloat(res[1])
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("%w: bucket tokens: %v", ratelimit.ErrStoreUnavailable, err)
	}
	last, err := parseFloat(res[2])
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("%w: bucket refill time: %v", ratelimit.ErrStoreUnavailable, err)
	}

	return ratelimit.BucketState{Tokens: tokens, LastRefill: time.UnixMilli(int64(last))}, allowed == 1, nil
}

func (s *Store) ReadBucket(ctx context.Context, key string) (ratelimit.BucketState, bool, error) {
	opCtx, cancel, err := s.begin(ctx, "read bucket")
	if err != nil {
		return ratelimit.BucketState{}, false, err
	}
	defer cancel()

	vals, err := s.rdb.HMGet(opCtx, s.key(key), "tokens", "last_refill").Result()
	if err != nil {
		return ratelimit.BucketState{}, false, s.fail(ctx, "read bucket", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return ratelimit.BucketState{}, false, nil
	}

	tokens, err := parseFloat(vals[0])
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("read bucket %s: %w", key, err)
	}
	last, err := parseFloat(vals[1])
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("read bucket %s: %w", key, err)
	}
	return ratelimit.BucketState{Tokens: tokens, LastRefill: time.UnixMilli(int64(last))}, true, nil
}

func (s *Store) WriteBucket(ctx context.Context, key string, st ratelimit.BucketState, ttl time.Duration) error {
	opCtx, cancel, err := s.begin(ctx, "write bucket")
	if err != nil {
		return err
	}
	defer cancel()

	k := s.key(key)
	_, err = s.rdb.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, k,
			"tokens", strconv.FormatFloat(st.Tokens, 'f', -1, 64),
			"last_refill", strconv.FormatInt(st.LastRefill.UnixMilli(), 10),
		)
		pipe.PExpire(opCtx, k, ttl)
		return nil
	})
	if err != nil {
		return s.fail(ctx, "write bucket", err)
	}
	return nil
}

func parseFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unexpected value %T", v)
	}
}
