// Package abuse keeps a weighted score of failed and violating requests per
// identity. Scores add up inside a fixed TTL window that starts with the first
// event and are dropped wholesale when it lapses; there is no gradual decay.
package abuse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	AuthFailure        EventType = "auth_failure"
	ValidationError    EventType = "validation_error"
	RateLimitViolation EventType = "rate_limit_violation"
)

// DefaultWeights apply when the configuration does not name a weight.
var DefaultWeights = map[EventType]int{
	AuthFailure:        3,
	ValidationError:    1,
	RateLimitViolation: 5,
}

const DefaultTTL = 15 * time.Minute

type Record struct {
	EventCounts map[EventType]int64 `json:"eventCounts"`
	TotalScore  int64               `json:"totalScore"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

// Store persists records. Add must be atomic per identity and must set the
// expiry only when it creates the record.
type Store interface {
	Add(ctx context.Context, identity string, event EventType, weight int, ttl time.Duration) (int64, error)
	Score(ctx context.Context, identity string) (int64, error)
	Record(ctx context.Context, identity string) (Record, bool, error)
	Delete(ctx context.Context, identity string) error
}

type Tracker struct {
	store   Store
	weights map[EventType]int
	ttl     time.Duration
	log     zerolog.Logger
	onEvent func(EventType)
}

type Option func(*Tracker)

func WithWeights(w map[EventType]int) Option {
	return func(t *Tracker) {
		for k, v := range w {
			t.weights[k] = v
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithEventHook is called after every successfully tracked event.
func WithEventHook(fn func(EventType)) Option {
	return func(t *Tracker) { t.onEvent = fn }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		weights: make(map[EventType]int, len(DefaultWeights)),
		ttl:     DefaultTTL,
		log:     zerolog.Nop(),
	}
	for k, v := range DefaultWeights {
		t.weights[k] = v
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Weight(event EventType) int {
	if w, ok := t.weights[event]; ok {
		return w
	}
	return 1
}

// Track records one event at its configured weight and returns the new total.
func (t *Tracker) Track(ctx context.Context, identity string, event EventType) (int64, error) {
	return t.TrackWeighted(ctx, identity, event, t.Weight(event))
}

func (t *Tracker) TrackWeighted(ctx context.Context, identity string, event EventType, weight int) (int64, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return 0, fmt.Errorf("track %s: empty identity", event)
	}
	if strings.TrimSpace(string(event)) == "" {
		return 0, fmt.Errorf("track for %s: empty event type", identity)
	}
	if weight < 0 {
		return 0, fmt.Errorf("track %s: negative weight %d", event, weight)
	}

	total, err := t.store.Add(ctx, identity, event, weight, t.ttl)
	if err != nil {
		return 0, fmt.Errorf("track %s for %s: %w", event, identity, err)
	}
	if t.onEvent != nil {
		t.onEvent(event)
	}
	t.log.Debug().
		Str("identity", identity).
		Str("event", string(event)).
		Int("weight", weight).
		Int64("score", total).
		Msg("abuse event")
	return total, nil
}

// Score reads the current total without changing anything.
func (t *Tracker) Score(ctx context.Context, identity string) (int64, error) {
	s, err := t.store.Score(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("abuse score for %s: %w", identity, err)
	}
	return s, nil
}

func (t *Tracker) Record(ctx context.Context, identity string) (Record, bool, error) {
	return t.store.Record(ctx, identity)
}

func (t *Tracker) Reset(ctx context.Context, identity string) error {
	return t.store.Delete(ctx, identity)
}
