package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// fallbackStore keeps per-process token buckets used while the shared cache
// is down. Limits are the configured ones spread evenly over the window, so
// each instance still enforces the ceiling for clients it sees.
type fallbackStore struct {
	mu           sync.Mutex
	entries      map[string]*fallbackEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type fallbackEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newFallbackStore() *fallbackStore {
	return &fallbackStore{
		entries:      make(map[string]*fallbackEntry),
		idleTTL:      10 * time.Minute,
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
}

func (s *fallbackStore) admit(class Class, identity string, rule Rule) Decision {
	now := s.now()
	lim := s.limiter(string(class)+":"+identity, rule, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Limit: rule.Limit, RetryAfter: roundRetryAfter(rule.Window), Degraded: true}
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: rule.Limit, RetryAfter: roundRetryAfter(delay), Degraded: true}
	}

	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: max(int(lim.TokensAt(now)), 0),
		Degraded:  true,
	}
}

func (s *fallbackStore) limiter(key string, rule Rule, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	every := rule.Window / time.Duration(rule.Limit)
	lim := rate.NewLimiter(rate.Every(every), rule.Limit)
	s.entries[key] = &fallbackEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *fallbackStore) cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

func (s *fallbackStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fallbackStore) startJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.cleanup()
			}
		}
	}()
}
