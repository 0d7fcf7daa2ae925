package policy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

func baseSettings() Settings {
	return Settings{
		Algorithm: ratelimit.Fixed,
		GlobalMax: 100,
		WindowMS:  60000,
	}
}

func mustManager(t *testing.T, s Settings) *Manager {
	t.Helper()
	m, err := NewManager(s)
	require.NoError(t, err)
	return m
}

func TestResolveDefault(t *testing.T) {
	m := mustManager(t, baseSettings())

	res := m.Current().Resolve("/api/products", nil, 0)
	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, ratelimit.Rule{Algorithm: ratelimit.Fixed, Max: 100, WindowMS: 60000}, res.Rule)
	assert.Equal(t, res.Rule, res.Nominal)
	assert.Equal(t, DerateNone, res.Derate)
	assert.Equal(t, uint64(1), res.Version)
}

func TestRoleBeatsPath(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{{PathPrefix: "/api/admin", Max: 100, Algorithm: ratelimit.Sliding}}
	s.RoleOverrides = []RoleOverride{{Role: "admin", Override: Override{PathPrefix: "/api/admin", Max: 500, Algorithm: ratelimit.Fixed}}}
	m := mustManager(t, s)

	res := m.Current().Resolve("/api/admin/users", []string{"admin"}, 0)
	assert.Equal(t, SourceRole, res.Source)
	assert.Equal(t, "admin", res.Role)
	assert.Equal(t, 500, res.Rule.Max)
	assert.Equal(t, ratelimit.Fixed, res.Rule.Algorithm)

	// without the role the path override applies
	res = m.Current().Resolve("/api/admin/users", []string{"customer"}, 0)
	assert.Equal(t, SourcePath, res.Source)
	assert.Equal(t, 100, res.Rule.Max)
	assert.Equal(t, ratelimit.Sliding, res.Rule.Algorithm)
}

func TestRoleBeatsLongerPath(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{{PathPrefix: "/api/admin/users", Max: 10}}
	s.RoleOverrides = []RoleOverride{{Role: "admin", Override: Override{PathPrefix: "/api", Max: 500}}}
	m := mustManager(t, s)

	res := m.Current().Resolve("/api/admin/users/7", []string{"admin"}, 0)
	assert.Equal(t, SourceRole, res.Source)
	assert.Equal(t, 500, res.Rule.Max)
}

func TestLongestPrefixWins(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{
		{PathPrefix: "/api", Max: 50},
		{PathPrefix: "/api/checkout/pay", Max: 5},
		{PathPrefix: "/api/checkout", Max: 20},
	}
	m := mustManager(t, s)
	snap := m.Current()

	assert.Equal(t, 5, snap.Resolve("/api/checkout/pay/intent", nil, 0).Rule.Max)
	assert.Equal(t, 20, snap.Resolve("/api/checkout/cart", nil, 0).Rule.Max)
	assert.Equal(t, 50, snap.Resolve("/api/products", nil, 0).Rule.Max)
	assert.Equal(t, SourceDefault, snap.Resolve("/health", nil, 0).Source)
}

func TestEqualPrefixFirstWins(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{
		{PathPrefix: "/api/cart", Max: 7},
		{PathPrefix: "/api/cart", Max: 9},
	}
	m := mustManager(t, s)
	assert.Equal(t, 7, m.Current().Resolve("/api/cart", nil, 0).Rule.Max)
}

func TestOverrideInheritsGlobals(t *testing.T) {
	s := baseSettings()
	s.Algorithm = ratelimit.Sliding
	s.Overrides = []Override{{PathPrefix: "/api/upload", Max: 30}}
	m := mustManager(t, s)

	r := m.Current().Resolve("/api/upload/image", nil, 0).Rule
	assert.Equal(t, ratelimit.Rule{Algorithm: ratelimit.Sliding, Max: 30, WindowMS: 60000}, r)
}

func TestResolveIdempotent(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{{PathPrefix: "/api", Max: 50, Algorithm: ratelimit.TokenBucket}}
	m := mustManager(t, s)
	snap := m.Current()

	a := snap.Resolve("/api/x", []string{"customer"}, 12)
	b := snap.Resolve("/api/x", []string{"customer"}, 12)
	assert.Equal(t, a, b)
}

func TestDerating(t *testing.T) {
	th := DefaultThresholds
	nominal := ratelimit.Rule{Algorithm: ratelimit.TokenBucket, Max: 120, WindowMS: 60000}

	tests := []struct {
		score  int64
		max    int
		derate Derate
	}{
		{0, 120, DerateNone},
		{10, 120, DerateNone},
		{11, 60, DerateMedium},
		{20, 60, DerateMedium},
		{21, 12, DerateHigh},
		{25, 12, DerateHigh},
	}
	for _, tt := range tests {
		r, d := DerateRule(nominal, tt.score, th)
		assert.Equal(t, tt.max, r.Max, "score %d", tt.score)
		assert.Equal(t, tt.derate, d, "score %d", tt.score)
		assert.Equal(t, nominal.Algorithm, r.Algorithm)
		assert.Equal(t, nominal.WindowMS, r.WindowMS)
	}

	r, _ := DerateRule(ratelimit.Rule{Algorithm: ratelimit.Fixed, Max: 5, WindowMS: 1000}, 100, th)
	assert.Equal(t, 0, r.Max)
}

func TestResolveDeratesFiveViolations(t *testing.T) {
	m := mustManager(t, baseSettings())
	// five rate_limit_violation events at weight 5
	res := m.Current().Resolve("/api/products", nil, 25)
	assert.Equal(t, 10, res.Rule.Max)
	assert.Equal(t, 100, res.Nominal.Max)
	assert.Equal(t, DerateHigh, res.Derate)
}

func TestExemptPaths(t *testing.T) {
	s := baseSettings()
	s.ExemptPaths = []string{"/health", "/static/*"}
	m := mustManager(t, s)
	snap := m.Current()

	assert.True(t, snap.IsExempt("/health"))
	assert.False(t, snap.IsExempt("/healthz"))
	assert.True(t, snap.IsExempt("/static/app.js"))
	assert.False(t, snap.IsExempt("/api/static"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Settings)
		field string
	}{
		{"unknown algorithm", func(s *Settings) { s.Algorithm = 9 }, "algorithm"},
		{"zero max", func(s *Settings) { s.GlobalMax = 0 }, "globalMax"},
		{"negative window", func(s *Settings) { s.WindowMS = -1 }, "windowMs"},
		{"override without slash", func(s *Settings) {
			s.Overrides = []Override{{PathPrefix: "api", Max: 1}}
		}, "overrides[0].pathPrefix"},
		{"override zero max", func(s *Settings) {
			s.Overrides = []Override{{PathPrefix: "/a", Max: 1}, {PathPrefix: "/b", Max: 0}}
		}, "overrides[1].max"},
		{"role missing", func(s *Settings) {
			s.RoleOverrides = []RoleOverride{{Override: Override{PathPrefix: "/a", Max: 1}}}
		}, "roleOverrides[0].role"},
		{"role override bad algorithm", func(s *Settings) {
			s.RoleOverrides = []RoleOverride{{Role: "admin", Override: Override{PathPrefix: "/a", Max: 1, Algorithm: 7}}}
		}, "roleOverrides[0].algorithm"},
		{"exempt without slash", func(s *Settings) { s.ExemptPaths = []string{"health"} }, "exemptPaths[0]"},
		{"thresholds inverted", func(s *Settings) { s.Abuse = Thresholds{Medium: 30, High: 20} }, "abuse.medium"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSettings()
			tt.edit(&s)
			err := s.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpdateRejectsWholesale(t *testing.T) {
	m := mustManager(t, baseSettings())
	before := m.Current()

	bad := baseSettings()
	bad.GlobalMax = 500
	bad.Overrides = []Override{{PathPrefix: "/ok", Max: 1}, {PathPrefix: "/bad", Max: -1}}
	_, err := m.Update(bad, 0)
	require.Error(t, err)

	assert.Same(t, before, m.Current())
	assert.Equal(t, 100, m.Current().Settings.GlobalMax)
}

func TestUpdateVersioning(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seen []uint64
	m, err := NewManager(baseSettings(),
		WithClock(func() time.Time { return now }),
		WithUpdateHook(func(s *Snapshot) { seen = append(seen, s.Version) }),
	)
	require.NoError(t, err)

	next := baseSettings()
	next.GlobalMax = 200
	snap, err := m.Update(next, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, now, snap.UpdatedAt)
	assert.Equal(t, 200, m.Current().Resolve("/", nil, 0).Rule.Max)

	_, err = m.Update(next, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = m.Update(next, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestUpdateCopiesSlices(t *testing.T) {
	s := baseSettings()
	s.Overrides = []Override{{PathPrefix: "/api", Max: 10}}
	m := mustManager(t, s)

	s.Overrides[0].Max = 9999
	assert.Equal(t, 10, m.Current().Settings.Overrides[0].Max)
}

func TestConcurrentReadersDuringUpdate(t *testing.T) {
	m := mustManager(t, baseSettings())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r := m.Current().Resolve("/api", nil, 0).Rule
				assert.Contains(t, []int{100, 200}, r.Max)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		s := baseSettings()
		if j%2 == 0 {
			s.GlobalMax = 200
		}
		_, err := m.Update(s, 0)
		require.NoError(t, err)
	}
	wg.Wait()
}
