package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool // removed by a sweep; callers holding it must reload
}

// MemoryStore keeps windows in process. Each key has its own lock; there is
// no store-wide lock on the check path.
type MemoryStore struct {
	entries   sync.Map // string -> *entry
	now       func() time.Time
	lastSweep atomic.Int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep.Store(s.now().UnixNano())
	return s
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := s.now()
	s.maybeSweep(now, window)

	for {
		v, _ := s.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		d := e.hit(now, limit, window)
		e.mu.Unlock()
		return d, nil
	}
}

func (e *entry) hit(now time.Time, limit int, window time.Duration) Decision {
	if e.count == 0 || now.After(e.resetAt) {
		e.count = 1
		e.resetAt = now.Add(window)
		return Decision{Allowed: true, Remaining: max(limit-1, 0), ResetAt: e.resetAt}
	}
	if e.count >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}
	e.count++
	return Decision{Allowed: true, Remaining: max(limit-e.count, 0), ResetAt: e.resetAt}
}

// maybeSweep drops expired windows, at most once per window. Only the caller
// that wins the CAS sweeps; everyone else proceeds straight to their key.
func (s *MemoryStore) maybeSweep(now time.Time, window time.Duration) {
	last := s.lastSweep.Load()
	if now.UnixNano()-last < int64(window) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if now.After(e.resetAt) {
			e.dead = true
			s.entries.CompareAndDelete(k, v)
		}
		e.mu.Unlock()
		return true
	})
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
