package policy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is one immutable, validated version of the settings.
type Snapshot struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Settings  Settings  `json:"settings"`

	exact    map[string]struct{}
	prefixes []string
}

func newSnapshot(s Settings, version uint64, at time.Time) *Snapshot {
	snap := &Snapshot{
		Version:   version,
		UpdatedAt: at,
		Settings:  s,
		exact:     make(map[string]struct{}, len(s.ExemptPaths)),
	}
	for _, p := range s.ExemptPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			snap.prefixes = append(snap.prefixes, prefix)
			continue
		}
		snap.exact[p] = struct{}{}
	}
	return snap
}

// IsExempt reports whether path bypasses admission control entirely.
func (s *Snapshot) IsExempt(path string) bool {
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Manager is the single writer of the runtime settings. Readers call Current
// on every request and never block on an update.
type Manager struct {
	mu       sync.Mutex
	cur      atomic.Pointer[Snapshot]
	now      func() time.Time
	onUpdate func(*Snapshot)
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithUpdateHook runs after every successful update, including the initial one.
func WithUpdateHook(fn func(*Snapshot)) ManagerOption {
	return func(m *Manager) { m.onUpdate = fn }
}

func NewManager(initial Settings, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if _, err := m.Update(initial, 0); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Current() *Snapshot { return m.cur.Load() }

// Update validates s and, if valid, publishes it as the next version.
// expectedVersion 0 skips the optimistic concurrency check.
func (m *Manager) Update(s Settings, expectedVersion uint64) (*Snapshot, error) {
	s = s.Clone().withDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var version uint64
	if cur := m.cur.Load(); cur != nil {
		if expectedVersion != 0 && expectedVersion != cur.Version {
			return nil, ErrVersionConflict
		}
		version = cur.Version
	}

	snap := newSnapshot(s, version+1, m.now())
	m.cur.Store(snap)
	if m.onUpdate != nil {
		m.onUpdate(snap)
	}
	return snap, nil
}
