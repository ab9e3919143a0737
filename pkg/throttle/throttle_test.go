package throttle

import (
	"context"
	"testing"
	"time"

	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserLimiterAdmitsUpToLimit(t *testing.T) {
	l := NewUserLimiter(3)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d := l.Check(7)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Check(7)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestUserLimiterWindowSlides(t *testing.T) {
	l := NewUserLimiter(2)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Check(7).Allowed)
	now = now.Add(30 * time.Minute)
	assert.True(t, l.Check(7).Allowed)
	assert.False(t, l.Check(7).Allowed)

	// Only the first event falls out of the window; one slot reopens.
	now = now.Add(31 * time.Minute)
	assert.True(t, l.Check(7).Allowed)
	assert.False(t, l.Check(7).Allowed)
}

func TestUserLimiterPerUserIsolation(t *testing.T) {
	l := NewUserLimiter(1)
	assert.True(t, l.Check(7).Allowed)
	assert.False(t, l.Check(7).Allowed)
	assert.True(t, l.Check(8).Allowed)
}

func TestUserLimiterDisabled(t *testing.T) {
	l := NewUserLimiter(0)
	for i := 0; i < 100; i++ {
		d := l.Check(7)
		assert.True(t, d.Allowed)
		assert.Equal(t, -1, d.Remaining)
	}
}

func TestFeatureLimiterDailyCap(t *testing.T) {
	db := testDB(t)
	f := NewFeatureLimiter(db, map[string]FeatureLimit{
		"image_generation": {PerDay: 2},
	})
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := f.Check(ctx, 7, "image_generation")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "use %d", i+1)
	}

	d, err := f.Check(ctx, 7, "image_generation")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Quota survives a crossing into the next hour bucket within the day.
	now = now.Add(2 * time.Hour)
	d, err = f.Check(ctx, 7, "image_generation")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// A new day resets the counter.
	now = now.Add(24 * time.Hour)
	d, err = f.Check(ctx, 7, "image_generation")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFeatureLimiterUnknownFeatureUnlimited(t *testing.T) {
	db := testDB(t)
	f := NewFeatureLimiter(db, nil)
	d, err := f.Check(context.Background(), 7, "anything")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining)
}

func TestFeatureLimiterReputationScalesQuota(t *testing.T) {
	db := testDB(t)
	f := NewFeatureLimiter(db, map[string]FeatureLimit{
		"image_generation": {PerDay: 2},
	})
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	ctx := context.Background()

	// Push well past the clamp; the effective multiplier stops at 2.0.
	require.NoError(t, f.AdjustReputation(ctx, 7, 10.0))
	mult, err := f.multiplier(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, maxMultiplier, mult, 0.001)

	for i := 0; i < 4; i++ {
		d, err := f.Check(ctx, 7, "image_generation")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "use %d", i+1)
	}
	d, err := f.Check(ctx, 7, "image_generation")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// And the lower clamp.
	require.NoError(t, f.AdjustReputation(ctx, 8, -10.0))
	mult, err = f.multiplier(ctx, 8)
	require.NoError(t, err)
	assert.InDelta(t, minMultiplier, mult, 0.001)
}

func TestFeatureLimiterPruneLedger(t *testing.T) {
	db := testDB(t)
	f := NewFeatureLimiter(db, map[string]FeatureLimit{"x": {PerHour: 10}})
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := f.Check(ctx, 7, "x")
	require.NoError(t, err)

	now = now.Add(72 * time.Hour)
	n, err := f.PruneLedger(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScale(t *testing.T) {
	assert.Equal(t, 0, scale(0, 2.0))
	assert.Equal(t, 20, scale(10, 2.0))
	assert.Equal(t, 5, scale(10, 0.5))
	// A positive limit never scales to zero.
	assert.Equal(t, 1, scale(1, 0.5))
}

func TestCooldownCheckAndWarnDebounce(t *testing.T) {
	db := testDB(t)
	c := NewCooldown(db, 5*time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	r, err := c.Check(ctx, 7, "gryagprofile")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	// First rejection warns; repeats inside the debounce window stay silent.
	now = now.Add(time.Minute)
	r, err = c.Check(ctx, 7, "gryagprofile")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.True(t, r.Warn)
	assert.InDelta(t, (4 * time.Minute).Seconds(), r.RetryAfter.Seconds(), 1)

	now = now.Add(time.Minute)
	r, err = c.Check(ctx, 7, "gryagprofile")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.False(t, r.Warn)

	// After the interval elapses the command runs again.
	now = now.Add(10 * time.Minute)
	r, err = c.Check(ctx, 7, "gryagprofile")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestCooldownReset(t *testing.T) {
	db := testDB(t)
	c := NewCooldown(db, time.Hour)
	ctx := context.Background()

	r, err := c.Check(ctx, 7, "gryagexport")
	require.NoError(t, err)
	require.True(t, r.Allowed)

	r, err = c.Check(ctx, 7, "gryagexport")
	require.NoError(t, err)
	require.False(t, r.Allowed)

	require.NoError(t, c.Reset(ctx, 7, "gryagexport"))
	r, err = c.Check(ctx, 7, "gryagexport")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestCooldownFeaturesIndependent(t *testing.T) {
	db := testDB(t)
	c := NewCooldown(db, time.Hour)
	ctx := context.Background()

	r, err := c.Check(ctx, 7, "a")
	require.NoError(t, err)
	require.True(t, r.Allowed)

	r, err = c.Check(ctx, 7, "b")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestConvLocksSerializeSameConversation(t *testing.T) {
	locks := NewConvLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, 1, 0, 7)
	require.NoError(t, err)

	// Second acquire on the same key must wait until release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(blocked, 1, 0, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A different conversation proceeds immediately.
	release2, err := locks.Acquire(ctx, 2, 0, 7)
	require.NoError(t, err)
	release2()

	release()
	release3, err := locks.Acquire(ctx, 1, 0, 7)
	require.NoError(t, err)
	release3()
}

func TestConvLocksSweepKeepsFreshLocks(t *testing.T) {
	locks := NewConvLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, 1, 0, 7)
	require.NoError(t, err)
	release()

	assert.Equal(t, 1, locks.Size())
	// Just-used locks are inside the TTL and survive the sweep.
	assert.Equal(t, 0, locks.Sweep())
	assert.Equal(t, 1, locks.Size())
}
