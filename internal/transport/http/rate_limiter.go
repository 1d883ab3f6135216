package http

import (
	"sync"
	"time"
)

// IssueRateLimiter caps token issuance per client over a sliding window.
type IssueRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewIssueRateLimiter(limit int, interval time.Duration) *IssueRateLimiter {
	return &IssueRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for client and reports whether it fits the
// window. A non-positive limit disables limiting.
func (rl *IssueRateLimiter) Allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[client]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}

	rl.history[client] = append(fresh, now)
	return true
}

// Prune drops clients with no attempt inside the window.
func (rl *IssueRateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-rl.interval)
	removed := 0
	for client, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, client)
			removed++
		}
	}
	return removed
}
