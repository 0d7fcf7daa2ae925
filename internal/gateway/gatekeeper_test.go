package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/auth"
	"github.com/AlexKimmel/shopguard/internal/policy"
	"github.com/AlexKimmel/shopguard/internal/ratelimit"
	"github.com/AlexKimmel/shopguard/internal/ratelimit/memory"
	"github.com/AlexKimmel/shopguard/internal/ratelimit/redisstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	// one second into an aligned minute
	return &clock{t: time.Date(2026, 5, 4, 10, 0, 1, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// downStore fails every evaluation call while down is set.
type downStore struct {
	ratelimit.CounterStore
	down atomic.Bool
}

func (s *downStore) Increment(ctx context.Context, key string, ttl time.Duration) (ratelimit.Count, error) {
	if s.down.Load() {
		return ratelimit.Count{}, ratelimit.ErrStoreUnavailable
	}
	return s.CounterStore.Increment(ctx, key, ttl)
}

func (s *downStore) SlidingIncrement(ctx context.Context, key string, w time.Duration, now time.Time) (ratelimit.SlidingCount, error) {
	if s.down.Load() {
		return ratelimit.SlidingCount{}, ratelimit.ErrStoreUnavailable
	}
	return s.CounterStore.SlidingIncrement(ctx, key, w, now)
}

func (s *downStore) ConsumeToken(ctx context.Context, key string, p ratelimit.BucketParams, ttl time.Duration, now time.Time) (ratelimit.BucketState, bool, error) {
	if s.down.Load() {
		return ratelimit.BucketState{}, false, ratelimit.ErrStoreUnavailable
	}
	return s.CounterStore.ConsumeToken(ctx, key, p, ttl, now)
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions int
	denied    int
	degraded  []string
}

func (f *fakeRecorder) ObserveDecision(_ policy.Resolution, dec ratelimit.Decision, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions++
	if !dec.Allowed {
		f.denied++
	}
}

func (f *fakeRecorder) ObserveDegraded(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded = append(f.degraded, reason)
}

type harness struct {
	clk     *clock
	store   *downStore
	tracker *abuse.Tracker
	manager *policy.Manager
	rec     *fakeRecorder
	gk      *Gatekeeper
	handler http.Handler
	status  int // upstream status to answer with
}

func newHarness(t *testing.T, s policy.Settings, failClosed bool) *harness {
	t.Helper()
	h := &harness{clk: newClock(), rec: &fakeRecorder{}, status: http.StatusOK}
	h.store = &downStore{CounterStore: memory.New(memory.WithClock(h.clk.Now))}
	h.tracker = abuse.NewTracker(abuse.NewMemoryStore(h.clk.Now))

	m, err := policy.NewManager(s)
	require.NoError(t, err)
	h.manager = m

	h.gk = New(m, ratelimit.NewEngines(h.store), h.tracker, Options{
		FailClosed: failClosed,
		Recorder:   h.rec,
		Logger:     zerolog.Nop(),
		Now:        h.clk.Now,
	})
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(h.status)
	})
	h.handler = h.gk.Middleware()(upstream)
	return h
}

func (h *harness) do(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.9:41000"
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func settings(alg ratelimit.Algorithm, limit int) policy.Settings {
	return policy.Settings{Algorithm: alg, GlobalMax: limit, WindowMS: 60000}
}

func TestFixedWindowHundredTwentyOne(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 120), false)

	for i := 1; i <= 120; i++ {
		rec := h.do("/api/products")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, strconv.Itoa(120-i), rec.Header().Get(HeaderRemaining))
	}

	rec := h.do("/api/products")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "fixed", rec.Header().Get(HeaderAlgorithm))
	assert.Equal(t, "120", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))
	assert.Equal(t, "59", rec.Header().Get(HeaderRetry))
	assert.Equal(t, strconv.FormatInt(h.clk.Now().Add(59*time.Second).Unix(), 10), rec.Header().Get(HeaderReset))

	var body struct {
		OK    bool `json:"ok"`
		Error struct {
			Code              string `json:"code"`
			Message           string `json:"message"`
			RetryAfterSeconds int64  `json:"retryAfterSeconds"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	assert.Equal(t, int64(59), body.Error.RetryAfterSeconds)

	assert.Equal(t, 121, h.rec.decisions)
	assert.Equal(t, 1, h.rec.denied)
}

func TestUploadOverrideTokenBucket(t *testing.T) {
	s := settings(ratelimit.Fixed, 100)
	s.Overrides = []policy.Override{{PathPrefix: "/api/upload", Max: 30, Algorithm: ratelimit.TokenBucket}}
	h := newHarness(t, s, false)

	for i := 1; i <= 30; i++ {
		require.Equal(t, http.StatusOK, h.do("/api/upload/image").Code, "request %d", i)
	}
	rec := h.do("/api/upload/image")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "token_bucket", rec.Header().Get(HeaderAlgorithm))

	// the global rule is untouched
	rec = h.do("/api/products")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get(HeaderLimit))
}

func TestFailOpenWhenStoreDown(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Sliding, 5), false)
	require.Equal(t, http.StatusOK, h.do("/api/cart").Code)

	h.store.down.Store(true)
	rec := h.do("/api/cart")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderDisabled))
	assert.Empty(t, rec.Header().Get(HeaderLimit))
	assert.Equal(t, []string{"store_unavailable"}, h.rec.degraded)

	h.store.down.Store(false)
	rec = h.do("/api/cart")
	assert.Empty(t, rec.Header().Get(HeaderDisabled))
	assert.Equal(t, "sliding", rec.Header().Get(HeaderAlgorithm))
}

func TestFailClosedWhenStoreDown(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 5), true)
	h.store.down.Store(true)

	rec := h.do("/api/cart")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderDisabled))
	assert.Equal(t, "1", rec.Header().Get(HeaderRetry))
	assert.Empty(t, rec.Header().Get(HeaderLimit))
	assert.JSONEq(t, `{"ok":false,"error":{"code":"RATE_LIMITER_UNAVAILABLE","message":"Rate limiter unavailable, retry in 1s","retryAfterSeconds":1}}`, rec.Body.String())

	// not a violation of the caller's own making
	score, err := h.tracker.Score(context.Background(), "ip:203.0.113.9")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestFailOpenWithRedisGone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.NewFromClient(rdb, redisstore.Config{})

	m, err := policy.NewManager(settings(ratelimit.Fixed, 10))
	require.NoError(t, err)
	gk := New(m, ratelimit.NewEngines(store), nil, Options{Logger: zerolog.Nop()})
	handler := gk.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "10", rec.Header().Get(HeaderLimit))

	mr.Close()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderDisabled))
}

func TestExemptPathGetsNoHeaders(t *testing.T) {
	s := settings(ratelimit.Fixed, 1)
	s.ExemptPaths = []string{"/health", "/assets/*"}
	h := newHarness(t, s, false)

	for i := 0; i < 3; i++ {
		for _, p := range []string{"/health", "/assets/logo.svg"} {
			rec := h.do(p)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get(HeaderLimit))
			assert.Empty(t, rec.Header().Get(HeaderAlgorithm))
		}
	}
	assert.Zero(t, h.rec.decisions)
}

func TestFiveViolationsDerate(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 20), false)

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, h.do("/api/search").Code)
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusTooManyRequests, h.do("/api/search").Code)
	}

	score, err := h.tracker.Score(context.Background(), "ip:203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, int64(25), score)

	h.clk.Advance(time.Minute)
	rec := h.do("/api/search")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
}

func TestRetryAfterRoundTrip(t *testing.T) {
	for _, alg := range []ratelimit.Algorithm{ratelimit.Fixed, ratelimit.Sliding, ratelimit.TokenBucket} {
		t.Run(alg.String(), func(t *testing.T) {
			h := newHarness(t, policy.Settings{Algorithm: alg, GlobalMax: 3, WindowMS: 2000}, false)

			var rec *httptest.ResponseRecorder
			for i := 0; i < 10; i++ {
				if rec = h.do("/api/checkout"); rec.Code == http.StatusTooManyRequests {
					break
				}
			}
			require.Equal(t, http.StatusTooManyRequests, rec.Code)

			secs, err := strconv.Atoi(rec.Header().Get(HeaderRetry))
			require.NoError(t, err)
			require.GreaterOrEqual(t, secs, 1)

			h.clk.Advance(time.Duration(secs) * time.Second)
			assert.Equal(t, http.StatusOK, h.do("/api/checkout").Code)
		})
	}
}

func TestUpstreamFailuresFeedAbuseScore(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 100), false)

	h.status = http.StatusUnauthorized
	h.do("/api/account")
	h.status = http.StatusUnprocessableEntity
	h.do("/api/checkout")
	h.status = http.StatusOK
	h.do("/api/products")

	rec, ok, err := h.tracker.Record(context.Background(), "ip:203.0.113.9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), rec.TotalScore)
	assert.Equal(t, int64(1), rec.EventCounts[abuse.AuthFailure])
	assert.Equal(t, int64(1), rec.EventCounts[abuse.ValidationError])
}

func TestRoleOverrideUsesPrincipal(t *testing.T) {
	s := settings(ratelimit.Fixed, 100)
	s.Overrides = []policy.Override{{PathPrefix: "/api/admin", Max: 100, Algorithm: ratelimit.Sliding}}
	s.RoleOverrides = []policy.RoleOverride{{Role: "admin", Override: policy.Override{PathPrefix: "/api/admin", Max: 500, Algorithm: ratelimit.Fixed}}}
	h := newHarness(t, s, false)

	keys := auth.NewStatic("", map[string]auth.Principal{"k": {ID: "ops", Roles: []string{"admin"}}})
	handler := keys.Middleware(nil)(h.handler)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "500", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "fixed", rec.Header().Get(HeaderAlgorithm))

	rec = h.do("/api/admin/users")
	assert.Equal(t, "100", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "sliding", rec.Header().Get(HeaderAlgorithm))
}

func TestConfigUpdateTakesEffect(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 100), false)
	assert.Equal(t, "100", h.do("/api/products").Header().Get(HeaderLimit))

	_, err := h.manager.Update(settings(ratelimit.TokenBucket, 40), 0)
	require.NoError(t, err)

	rec := h.do("/api/products")
	assert.Equal(t, "40", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "token_bucket", rec.Header().Get(HeaderAlgorithm))
}

func TestKeyLayout(t *testing.T) {
	res := policy.Resolution{
		Nominal: ratelimit.Rule{Algorithm: ratelimit.Sliding, Max: 100, WindowMS: 60000},
		Rule:    ratelimit.Rule{Algorithm: ratelimit.Sliding, Max: 10, WindowMS: 60000},
		Source:  policy.SourcePath,
		Prefix:  "/api/upload",
	}
	assert.Equal(t, "rl:sliding:/api/upload:ip:1.2.3.4:100:60000", Key(res, "ip:1.2.3.4"))

	res.Source, res.Prefix = policy.SourceDefault, ""
	assert.Equal(t, "rl:sliding:*:user:u1:100:60000", Key(res, "user:u1"))

	res.Source, res.Prefix, res.Role = policy.SourceRole, "/api/admin", "admin"
	assert.Equal(t, "rl:sliding:admin|/api/admin:user:u1:100:60000", Key(res, "user:u1"))
}

func TestConcurrentRequestsSameIP(t *testing.T) {
	s := settings(ratelimit.Fixed, 50)
	// keep derating out of the way so only the counter decides
	s.Abuse = policy.Thresholds{Medium: 1000, High: 2000}
	h := newHarness(t, s, false)

	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch h.do("/api/products").Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), ok.Load())
	assert.Equal(t, int64(30), limited.Load())
}

func TestUnknownKeysCountAgainstClientIP(t *testing.T) {
	s := settings(ratelimit.Fixed, 5)
	s.Abuse = policy.Thresholds{Medium: 1000, High: 2000}
	h := newHarness(t, s, false)

	keys := auth.NewStatic("", map[string]auth.Principal{"k-good": {ID: "cust-1", Roles: []string{"customer"}}})
	keys.OnFailure(h.gk.Middleware())
	handler := keys.Middleware(nil)(h.handler)

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:41000"
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 1; i <= 5; i++ {
		rec := send("guess-" + strconv.Itoa(i))
		require.Equal(t, http.StatusUnauthorized, rec.Code, "request %d", i)
		assert.Equal(t, strconv.Itoa(5-i), rec.Header().Get(HeaderRemaining))
	}
	rec := send("guess-6")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRetry))

	ab, ok, err := h.tracker.Record(context.Background(), "ip:203.0.113.9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), ab.EventCounts[abuse.AuthFailure])
	assert.Equal(t, int64(1), ab.EventCounts[abuse.RateLimitViolation])

	// a real key from the same address has its own counter
	assert.Equal(t, http.StatusOK, send("k-good").Code)
}

func TestUnknownKeysDerateByDefault(t *testing.T) {
	h := newHarness(t, settings(ratelimit.Fixed, 5), false)
	keys := auth.NewStatic("", nil)
	keys.OnFailure(h.gk.Middleware())
	handler := keys.Middleware(nil)(h.handler)

	codes := map[int]int{}
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.RemoteAddr = "203.0.113.9:41000"
		req.Header.Set("X-API-Key", "guess")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	// four 401s push the score to 12, past medium, which halves the limit to 2
	assert.Equal(t, 4, codes[http.StatusUnauthorized])
	assert.Equal(t, 96, codes[http.StatusTooManyRequests])
}
