// Package throttle holds every pacing mechanism: the per-user hourly
// limiter, persisted per-feature quotas with reputation scaling, command
// cooldowns with debounced warnings, and the per-conversation
// serialization locks.
package throttle

import (
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// UserLimiter enforces a sliding-window hourly cap per user. State is
// in-memory; restarting the process forgives past requests, which is
// the accepted trade-off for the hot path.
type UserLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	events   map[int64][]time.Time
	now      func() time.Time
	lastScan time.Time
}

// NewUserLimiter creates a limiter allowing limit requests per hour.
// A non-positive limit disables throttling entirely.
func NewUserLimiter(limit int) *UserLimiter {
	return &UserLimiter{
		window: time.Hour,
		limit:  limit,
		events: make(map[int64][]time.Time),
		now:    time.Now,
	}
}

// Check admits or rejects one request for the user, recording it when
// admitted. RetryAfter is the wait until the oldest in-window event
// expires.
func (l *UserLimiter) Check(userID int64) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	events := l.events[userID]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.events[userID] = kept
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: kept[0].Sub(cutoff),
		}
	}
	kept = append(kept, now)
	l.events[userID] = kept
	l.maybeSweep(now)
	return Decision{Allowed: true, Remaining: l.limit - len(kept)}
}

// maybeSweep drops users whose events all expired. Runs at most once
// per window to keep Check O(events of one user).
func (l *UserLimiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastScan) < l.window {
		return
	}
	l.lastScan = now
	cutoff := now.Add(-l.window)
	for id, events := range l.events {
		live := false
		for _, t := range events {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.events, id)
		}
	}
}
