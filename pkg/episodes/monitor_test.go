package episodes

import (
	"context"
	"testing"
	"time"

	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor(t *testing.T, gap time.Duration, minTurns int) (*Monitor, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMonitor(db, NewSummarizer(db, nil), gap, minTurns), db
}

func TestFindBoundaryIdleGap(t *testing.T) {
	m, _ := testMonitor(t, 30*time.Minute, 3)

	base := int64(1000000)
	tail := []*store.Turn{
		userTurn(1, 7, "a", base),
		userTurn(2, 8, "b", base+60),
		userTurn(3, 7, "c", base+120),
		userTurn(4, 8, "d", base+180),
		// 40 minutes of silence before the next turn.
		userTurn(5, 7, "e", base+180+2400),
	}

	assert.Equal(t, 4, m.findBoundary(tail))
}

func TestFindBoundaryIgnoresGapBeforeMinTurns(t *testing.T) {
	m, _ := testMonitor(t, 30*time.Minute, 4)

	base := int64(1000000)
	tail := []*store.Turn{
		userTurn(1, 7, "a", base),
		// A long gap this early must not seal a two-turn episode.
		userTurn(2, 8, "b", base+7200),
		userTurn(3, 7, "c", base+7260),
	}

	assert.Equal(t, 0, m.findBoundary(tail))
}

func TestFindBoundaryTopicShift(t *testing.T) {
	m, _ := testMonitor(t, time.Hour, 3)

	base := int64(1000000)
	mk := func(id int64, emb []float32, ts int64) *store.Turn {
		return &store.Turn{ID: id, UserID: 7, Role: store.RoleUser, Text: "x", Embedding: emb, Timestamp: ts}
	}
	tail := []*store.Turn{
		mk(1, []float32{1, 0}, base),
		mk(2, []float32{1, 0}, base+60),
		mk(3, []float32{1, 0}, base+120),
		// Orthogonal embedding: cosine distance 1.0 from the centroid.
		mk(4, []float32{0, 1}, base+180),
	}

	assert.Equal(t, 3, m.findBoundary(tail))
}

func TestFindBoundaryParticipantChurn(t *testing.T) {
	m, _ := testMonitor(t, time.Hour, 3)

	base := int64(1000000)
	var tail []*store.Turn
	// Three turns from the original pair of speakers.
	for i := int64(0); i < 3; i++ {
		tail = append(tail, userTurn(i+1, 7+(i%2), "old topic", base+i*60))
	}
	// Then six turns from entirely new speakers.
	for i := int64(0); i < 6; i++ {
		tail = append(tail, userTurn(i+4, 100+i, "new crowd", base+(i+3)*60))
	}

	assert.Equal(t, 3, m.findBoundary(tail))
}

func TestFindBoundaryNoSignal(t *testing.T) {
	m, _ := testMonitor(t, 30*time.Minute, 3)

	base := int64(1000000)
	tail := []*store.Turn{
		userTurn(1, 7, "a", base),
		userTurn(2, 8, "b", base+60),
		userTurn(3, 7, "c", base+120),
		userTurn(4, 8, "d", base+180),
	}

	assert.Equal(t, 0, m.findBoundary(tail))
}

func TestSweepSealsEpisode(t *testing.T) {
	m, db := testMonitor(t, 30*time.Minute, 3)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour).Unix()
	times := []int64{base, base + 60, base + 120, base + 180, base + 180 + 2400}
	for i, ts := range times {
		_, err := db.AddTurn(ctx, &store.Turn{
			ChatID: 1, MessageID: int64(i + 1), UserID: int64(7 + i%2),
			Role: store.RoleUser, Text: "message", Timestamp: ts,
		})
		require.NoError(t, err)
	}

	id, err := m.Sweep(ctx, 1)
	require.NoError(t, err)
	require.NotZero(t, id)

	end, err := db.LastEpisodeEnd(ctx, 1)
	require.NoError(t, err)
	assert.NotZero(t, end)

	// The sealed span is excluded from the next sweep; the single
	// remaining turn is below minTurns.
	id, err = m.Sweep(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestSweepTooFewTurns(t *testing.T) {
	m, db := testMonitor(t, 30*time.Minute, 4)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := db.AddTurn(ctx, &store.Turn{
			ChatID: 1, MessageID: int64(i + 1), UserID: 7, Role: store.RoleUser, Text: "hi",
		})
		require.NoError(t, err)
	}

	id, err := m.Sweep(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestParticipants(t *testing.T) {
	span := []*store.Turn{
		userTurn(1, 7, "a", 1),
		userTurn(2, 8, "b", 2),
		userTurn(3, 7, "c", 3),
		{ID: 4, UserID: 0, Role: store.RoleModel, Text: "reply"},
	}
	assert.Equal(t, []int64{7, 8}, participants(span))
}
