package throttle

import (
	"context"
	"sync"
	"time"
)

// lockIdleTTL is how long an unused conversation lock survives before
// the sweeper reclaims it.
const lockIdleTTL = 30 * time.Minute

// ConvLocks serializes pipeline runs per (chat, thread, user) so a
// user's rapid-fire messages in one conversation are answered in order
// while distinct conversations proceed in parallel.
type ConvLocks struct {
	mu    sync.Mutex
	locks map[convKey]*convLock
}

type convKey struct {
	chatID   int64
	threadID int64
	userID   int64
}

type convLock struct {
	sem      chan struct{}
	lastUsed time.Time
}

// NewConvLocks creates the lock table.
func NewConvLocks() *ConvLocks {
	return &ConvLocks{locks: make(map[convKey]*convLock)}
}

// Acquire blocks until the conversation lock is held or the context is
// done. The returned release function must be called exactly once.
func (c *ConvLocks) Acquire(ctx context.Context, chatID, threadID, userID int64) (func(), error) {
	key := convKey{chatID: chatID, threadID: threadID, userID: userID}

	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &convLock{sem: make(chan struct{}, 1)}
		c.locks[key] = l
	}
	l.lastUsed = time.Now()
	c.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sweep removes locks idle past the TTL that nobody holds. Run
// periodically from the background loops.
func (c *ConvLocks) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-lockIdleTTL)
	removed := 0
	for key, l := range c.locks {
		if l.lastUsed.Before(cutoff) && len(l.sem) == 0 {
			delete(c.locks, key)
			removed++
		}
	}
	return removed
}

// Size reports the current lock-table population. Exposed for the
// resource monitor.
func (c *ConvLocks) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
