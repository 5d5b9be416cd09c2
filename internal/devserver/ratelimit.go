package devserver

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter allows limit calls per key in each fixed window.
type RateLimiter struct {
	now    func() time.Time
	limit  int
	period time.Duration

	mu   sync.Mutex
	keys map[string]window
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 20
	}
	if period <= 0 {
		period = time.Minute
	}
	return &RateLimiter{now: time.Now, limit: limit, period: period, keys: make(map[string]window)}
}

// Allow counts a call against key and reports whether it fits the current
// window.
func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.keys[key]
	if !ok || now.Sub(w.start) >= r.period {
		if len(r.keys) > 4096 {
			r.pruneLocked(now)
		}
		r.keys[key] = window{start: now, count: 1}
		return true
	}
	if w.count >= r.limit {
		return false
	}
	w.count++
	r.keys[key] = w
	return true
}

// RetryAfter is how long until key's window resets; zero when it has room.
func (r *RateLimiter) RetryAfter(key string) time.Duration {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.keys[key]
	if !ok || w.count < r.limit {
		return 0
	}
	if left := w.start.Add(r.period).Sub(now); left > 0 {
		return left
	}
	return 0
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, w := range r.keys {
		if now.Sub(w.start) >= r.period {
			delete(r.keys, k)
		}
	}
}
