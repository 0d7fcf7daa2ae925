package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

const shardCount = 64

type entry struct {
	count      int64
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store is the in-process CounterStore. Keys are spread over shards with one
// mutex each, so requests for different keys rarely contend.
type Store struct {
	now         func() time.Time
	shards      [shardCount]shard
	maxPerShard int
	sweepEvery  time.Duration
}

var _ ratelimit.CounterStore = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxEntries bounds the total number of live keys.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPerShard = max(1, n/shardCount)
		}
	}
}

func WithSweepEvery(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		maxPerShard: 4096,
		sweepEvery:  time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

// live returns the entry for key, dropping it first if it has expired.
// Caller holds sh.mu.
func (sh *shard) live(key string, now time.Time) *entry {
	e, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(sh.entries, key)
		return nil
	}
	return e
}

// insert adds e under key, making room if the shard is full. Caller holds sh.mu.
func (sh *shard) insert(key string, e *entry, limit int, now time.Time) {
	if len(sh.entries) >= limit {
		sh.sweepLocked(now)
	}
	if len(sh.entries) >= limit {
		var victim string
		var soonest time.Time
		for k, v := range sh.entries {
			if victim == "" || v.expiresAt.Before(soonest) {
				victim, soonest = k, v.expiresAt
			}
		}
		delete(sh.entries, victim)
	}
	sh.entries[key] = e
}

func (sh *shard) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range sh.entries {
		if !now.Before(e.expiresAt) {
			delete(sh.entries, k)
			n++
		}
	}
	return n
}

func (s *Store) Increment(_ context.Context, key string, ttl time.Duration) (ratelimit.Count, error) {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, now)
	if e == nil {
		e = &entry{expiresAt: now.Add(ttl)}
		sh.insert(key, e, s.maxPerShard, now)
	}
	e.count++

	return ratelimit.Count{Count: e.count, TTL: e.expiresAt.Sub(now)}, nil
}

func (s *Store) SlidingIncrement(_ context.Context, key string, window time.Duration, now time.Time) (ratelimit.SlidingCount, error) {
	w := window.Milliseconds()
	start := now.UnixMilli() / w * w
	curKey := key + ":" + strconv.FormatInt(start, 10)
	prevKey := key + ":" + strconv.FormatInt(start-w, 10)
	clock := s.now()

	var out ratelimit.SlidingCount

	// both windows of one key share a shard only by chance; lock them one at a time
	cur := s.shardFor(curKey)
	cur.mu.Lock()
	e := cur.live(curKey, clock)
	if e == nil {
		e = &entry{expiresAt: time.UnixMilli(start + 2*w)}
		cur.insert(curKey, e, s.maxPerShard, clock)
	}
	e.count++
	out.Current = e.count
	cur.mu.Unlock()

	prev := s.shardFor(prevKey)
	prev.mu.Lock()
	if p := prev.live(prevKey, clock); p != nil {
		out.Previous = p.count
	}
	prev.mu.Unlock()

	return out, nil
}

func (s *Store) ConsumeToken(_ context.Context, key string, p ratelimit.BucketParams, ttl time.Duration, now time.Time) (ratelimit.BucketState, bool, error) {
	clock := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, clock)
	if e == nil {
		e = &entry{tokens: p.Capacity, lastRefill: now}
		sh.insert(key, e, s.maxPerShard, clock)
	}

	st := ratelimit.Refill(ratelimit.BucketState{Tokens: e.tokens, LastRefill: e.lastRefill}, p, now)
	allow := st.Tokens >= 1.0
	if allow {
		st.Tokens -= 1.0
	}

	e.tokens, e.lastRefill = st.Tokens, st.LastRefill
	e.expiresAt = clock.Add(ttl)

	return st, allow, nil
}

func (s *Store) ReadBucket(_ context.Context, key string) (ratelimit.BucketState, bool, error) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, s.now())
	if e == nil {
		return ratelimit.BucketState{}, false, nil
	}
	return ratelimit.BucketState{Tokens: e.tokens, LastRefill: e.lastRefill}, true, nil
}

func (s *Store) WriteBucket(_ context.Context, key string, st ratelimit.BucketState, ttl time.Duration) error {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := &entry{tokens: st.Tokens, lastRefill: st.LastRefill, expiresAt: now.Add(ttl)}
	if _, ok := sh.entries[key]; ok {
		sh.entries[key] = e
		return nil
	}
	sh.insert(key, e, s.maxPerShard, now)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	return nil
}

// Sweep removes expired entries one shard at a time and reports how many
// were dropped.
func (s *Store) Sweep() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += sh.sweepLocked(now)
		sh.mu.Unlock()
	}
	return n
}

// Len reports the number of stored keys, expired or not.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps on the configured interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, onSweep func(removed int)) {
	if s.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(s.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n := s.Sweep()
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}
