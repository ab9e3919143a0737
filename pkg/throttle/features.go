package throttle

import (
	"context"
	"fmt"
	"time"

	"gryag/pkg/store"
)

// FeatureLimit bounds one feature by hour and by day. Zero means
// unlimited for that window.
type FeatureLimit struct {
	PerHour int
	PerDay  int
}

// Reputation multiplier clamp. Well-behaved users earn up to double the
// base quota, flagged users drop to half.
const (
	minMultiplier = 0.5
	maxMultiplier = 2.0
)

// FeatureLimiter persists per-feature usage in SQLite so quotas survive
// restarts, and scales each user's effective limit by their stored
// reputation multiplier.
type FeatureLimiter struct {
	db     *store.DB
	limits map[string]FeatureLimit
	now    func() time.Time
}

// NewFeatureLimiter builds the limiter over the given limit table.
func NewFeatureLimiter(db *store.DB, limits map[string]FeatureLimit) *FeatureLimiter {
	return &FeatureLimiter{db: db, limits: limits, now: time.Now}
}

// Check admits or rejects one use of a feature, recording it when
// admitted. Hourly and daily windows are fixed buckets keyed by their
// start timestamp.
func (f *FeatureLimiter) Check(ctx context.Context, userID int64, feature string) (Decision, error) {
	limit, ok := f.limits[feature]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	mult, err := f.multiplier(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	hourly := scale(limit.PerHour, mult)
	daily := scale(limit.PerDay, mult)

	now := f.now()
	hourStart := now.Truncate(time.Hour)
	dayStart := now.Truncate(24 * time.Hour)

	hourCount, err := f.bucketCount(ctx, userID, feature, hourStart.Unix())
	if err != nil {
		return Decision{}, err
	}
	dayCount, err := f.rangeCount(ctx, userID, feature, dayStart.Unix())
	if err != nil {
		return Decision{}, err
	}

	if hourly > 0 && hourCount >= hourly {
		return Decision{RetryAfter: hourStart.Add(time.Hour).Sub(now)}, nil
	}
	if daily > 0 && dayCount >= daily {
		return Decision{RetryAfter: dayStart.Add(24 * time.Hour).Sub(now)}, nil
	}

	_, err = f.db.Exec(ctx, `
		INSERT INTO rate_ledger (user_id, feature, window_start, count, last_request)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, feature, window_start)
		DO UPDATE SET count = count + 1, last_request = excluded.last_request`,
		userID, feature, hourStart.Unix(), now.Unix())
	if err != nil {
		return Decision{}, err
	}

	remaining := -1
	if hourly > 0 {
		remaining = hourly - hourCount - 1
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// AdjustReputation nudges a user's multiplier and clamps it into range.
func (f *FeatureLimiter) AdjustReputation(ctx context.Context, userID int64, delta float64) error {
	now := f.now().Unix()
	_, err := f.db.Exec(ctx, `
		INSERT INTO user_reputation (user_id, multiplier, spam_score, updated_at)
		VALUES (?, MAX(?, MIN(?, 1.0 + ?)), 0.0, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			multiplier = MAX(?, MIN(?, multiplier + ?)),
			updated_at = excluded.updated_at`,
		userID, minMultiplier, maxMultiplier, delta, now,
		minMultiplier, maxMultiplier, delta)
	return err
}

// PruneLedger drops buckets older than the given age. Called by the
// retention loop.
func (f *FeatureLimiter) PruneLedger(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := f.db.Exec(ctx, `DELETE FROM rate_ledger WHERE window_start < ?`,
		f.now().Add(-olderThan).Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return n, nil
}

func (f *FeatureLimiter) multiplier(ctx context.Context, userID int64) (float64, error) {
	var mult float64
	err := f.db.QueryRow(ctx,
		`SELECT COALESCE((SELECT multiplier FROM user_reputation WHERE user_id = ?), 1.0)`,
		userID).Scan(&mult)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	if mult < minMultiplier {
		mult = minMultiplier
	}
	if mult > maxMultiplier {
		mult = maxMultiplier
	}
	return mult, nil
}

func (f *FeatureLimiter) bucketCount(ctx context.Context, userID int64, feature string, windowStart int64) (int, error) {
	var n int
	err := f.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM rate_ledger
		WHERE user_id = ? AND feature = ? AND window_start = ?`,
		userID, feature, windowStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return n, nil
}

func (f *FeatureLimiter) rangeCount(ctx context.Context, userID int64, feature string, since int64) (int, error) {
	var n int
	err := f.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM rate_ledger
		WHERE user_id = ? AND feature = ? AND window_start >= ?`,
		userID, feature, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return n, nil
}

func scale(limit int, mult float64) int {
	if limit <= 0 {
		return 0
	}
	n := int(float64(limit) * mult)
	if n < 1 {
		n = 1
	}
	return n
}
