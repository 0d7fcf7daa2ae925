package abuse

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	counts    map[EventType]int64
	total     int64
	expiresAt time.Time
}

// MemoryStore keeps records in process. Expired records are replaced on the
// next event and swept by StartJanitor.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*memRecord
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{recs: make(map[string]*memRecord), now: now}
}

// live returns the unexpired record for identity. Caller holds s.mu.
func (s *MemoryStore) live(identity string, now time.Time) *memRecord {
	r, ok := s.recs[identity]
	if !ok {
		return nil
	}
	if !now.Before(r.expiresAt) {
		delete(s.recs, identity)
		return nil
	}
	return r
}

func (s *MemoryStore) Add(_ context.Context, identity string, event EventType, weight int, ttl time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.live(identity, now)
	if r == nil {
		r = &memRecord{counts: make(map[EventType]int64), expiresAt: now.Add(ttl)}
		s.recs[identity] = r
	}
	r.counts[event]++
	r.total += int64(weight)
	return r.total, nil
}

func (s *MemoryStore) Score(_ context.Context, identity string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[identity]
	if !ok || !now.Before(r.expiresAt) {
		return 0, nil
	}
	return r.total, nil
}

func (s *MemoryStore) Record(_ context.Context, identity string) (Record, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[identity]
	if !ok || !now.Before(r.expiresAt) {
		return Record{}, false, nil
	}
	out := Record{
		EventCounts: make(map[EventType]int64, len(r.counts)),
		TotalScore:  r.total,
		ExpiresAt:   r.expiresAt,
	}
	for k, v := range r.counts {
		out.EventCounts[k] = v
	}
	return out, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, identity)
	return nil
}

func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.recs {
		if !now.Before(r.expiresAt) {
			delete(s.recs, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}
