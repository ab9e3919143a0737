package throttle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"gryag/pkg/store"
)

// warnDebounce is how long after a cooldown warning the same user gets
// silence instead of repeated warnings.
const warnDebounce = 10 * time.Minute

// CooldownResult tells the caller what to do with a throttled command.
type CooldownResult struct {
	Allowed    bool
	RetryAfter time.Duration
	// Warn is true for the first rejection in a debounce window; later
	// rejections within the window are silently dropped.
	Warn bool
}

// Cooldown enforces a fixed minimum interval between uses of a command
// per user. Last-use times persist in SQLite so restarting the bot does
// not reset cooldowns; warning debounce state is in-memory only.
type Cooldown struct {
	db       *store.DB
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastWarn map[cooldownKey]time.Time
}

type cooldownKey struct {
	userID  int64
	feature string
}

// NewCooldown creates a cooldown gate with the given interval.
func NewCooldown(db *store.DB, interval time.Duration) *Cooldown {
	return &Cooldown{
		db:       db,
		interval: interval,
		now:      time.Now,
		lastWarn: make(map[cooldownKey]time.Time),
	}
}

// Check admits the command when the interval has passed, recording the
// use. On rejection it decides whether this one deserves a warning.
func (c *Cooldown) Check(ctx context.Context, userID int64, feature string) (CooldownResult, error) {
	now := c.now()

	var lastUsed int64
	err := c.db.QueryRow(ctx,
		`SELECT last_used FROM cooldowns WHERE user_id = ? AND feature = ?`,
		userID, feature).Scan(&lastUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CooldownResult{}, fmt.Errorf("storage_error: %w", err)
	}

	elapsed := now.Sub(time.Unix(lastUsed, 0))
	if lastUsed > 0 && elapsed < c.interval {
		return CooldownResult{
			RetryAfter: c.interval - elapsed,
			Warn:       c.shouldWarn(userID, feature, now),
		}, nil
	}

	_, err = c.db.Exec(ctx, `
		INSERT INTO cooldowns (user_id, feature, last_used) VALUES (?, ?, ?)
		ON CONFLICT (user_id, feature) DO UPDATE SET last_used = excluded.last_used`,
		userID, feature, now.Unix())
	if err != nil {
		return CooldownResult{}, err
	}
	return CooldownResult{Allowed: true}, nil
}

// Reset clears a user's cooldown for one feature. Admin override.
func (c *Cooldown) Reset(ctx context.Context, userID int64, feature string) error {
	_, err := c.db.Exec(ctx,
		`DELETE FROM cooldowns WHERE user_id = ? AND feature = ?`, userID, feature)
	return err
}

func (c *Cooldown) shouldWarn(userID int64, feature string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cooldownKey{userID: userID, feature: feature}
	if last, ok := c.lastWarn[key]; ok && now.Sub(last) < warnDebounce {
		return false
	}
	c.lastWarn[key] = now
	return true
}
