package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFormatMetadata(t *testing.T) {
	meta := &Metadata{
		ChatID:    -1001,
		MessageID: 42,
		UserID:    7,
		Username:  "someuser",
		Name:      "Someone",
	}
	got := FormatMetadata(meta)

	assert.True(t, strings.HasPrefix(got, "[meta]"))
	// Numeric ids must precede the ambiguous display name.
	assert.Less(t, strings.Index(got, `user_id="7"`), strings.Index(got, `name=`))
	assert.Contains(t, got, `chat_id="-1001"`)
	assert.Contains(t, got, `message_id="42"`)
	assert.Contains(t, got, `username="someuser"`)
	// Zero-valued optional fields are omitted entirely.
	assert.NotContains(t, got, "thread_id")
	assert.NotContains(t, got, "reply_to")
}

func TestFormatMetadataTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("я", 150)
	got := FormatMetadata(&Metadata{ChatID: 1, UserID: 2, Name: long})
	assert.Contains(t, got, strings.Repeat("я", 100))
	assert.NotContains(t, got, strings.Repeat("я", 101))
}

func TestFormatMetadataNil(t *testing.T) {
	assert.Equal(t, "", FormatMetadata(nil))
}

func TestFormatMetadataCompact(t *testing.T) {
	meta := &Metadata{ChatID: 1, MessageID: 42, UserID: 7, Username: "someuser", Name: "Someone"}

	assert.Equal(t, "Someone:", FormatMetadataCompact(meta, false))
	assert.Equal(t, "Someone [7/42]:", FormatMetadataCompact(meta, true))

	// Fallback chain: name, then username, then the bare id.
	assert.Equal(t, "someuser:", FormatMetadataCompact(&Metadata{UserID: 7, Username: "someuser"}, false))
	assert.Equal(t, "user 7:", FormatMetadataCompact(&Metadata{UserID: 7}, false))
	assert.Equal(t, "", FormatMetadataCompact(nil, false))
}

func TestAddTurnAndRecent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Now().Unix() - 100
	for i := 0; i < 5; i++ {
		_, err := db.AddTurn(ctx, &Turn{
			ChatID:    1,
			MessageID: int64(i + 1),
			UserID:    7,
			Role:      RoleUser,
			Text:      "message",
			Timestamp: base + int64(i),
		})
		require.NoError(t, err)
	}

	turns, err := db.Recent(ctx, 1, 0, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	// Oldest first, and only the newest three survive the limit.
	assert.Equal(t, int64(3), turns[0].MessageID)
	assert.Equal(t, int64(5), turns[2].MessageID)
}

func TestRecentFiltersThread(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.AddTurn(ctx, &Turn{ChatID: 1, ThreadID: 10, UserID: 7, Role: RoleUser, Text: "in thread"})
	require.NoError(t, err)
	_, err = db.AddTurn(ctx, &Turn{ChatID: 1, UserID: 7, Role: RoleUser, Text: "no thread"})
	require.NoError(t, err)

	turns, err := db.Recent(ctx, 1, 10, 50)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "in thread", turns[0].Text)
}

func TestTurnRoundTripPreservesMediaAndMeta(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	in := &Turn{
		ChatID:    1,
		MessageID: 9,
		UserID:    7,
		Role:      RoleUser,
		Text:      "with attachment",
		Media:     []MediaPart{{Kind: MediaImage, Mime: "image/jpeg", Data: []byte{1, 2, 3}}},
		Meta:      &Metadata{ChatID: 1, UserID: 7, Username: "someuser"},
		Embedding: []float32{0.1, 0.2},
	}
	_, err := db.AddTurn(ctx, in)
	require.NoError(t, err)

	out, err := db.TurnByMessageID(ctx, 1, 9)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Len(t, out.Media, 1)
	assert.Equal(t, "image/jpeg", out.Media[0].Mime)
	assert.Equal(t, []byte{1, 2, 3}, out.Media[0].Data)
	require.NotNil(t, out.Meta)
	assert.Equal(t, "someuser", out.Meta.Username)
	assert.Equal(t, []float32{0.1, 0.2}, out.Embedding)
}

func TestUpdateTurnEmbedding(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.AddTurn(ctx, &Turn{ChatID: 1, MessageID: 1, UserID: 7, Role: RoleUser, Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, db.UpdateTurnEmbedding(ctx, id, []float32{0.5, 0.5}))

	out, err := db.TurnByMessageID(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, out.Embedding)
}

func TestSearchKeyword(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	texts := []string{
		"the deploy pipeline is broken again",
		"lunch plans for tomorrow",
		"fixed the deploy by reverting",
	}
	for i, text := range texts {
		_, err := db.AddTurn(ctx, &Turn{ChatID: 1, MessageID: int64(i + 1), UserID: 7, Role: RoleUser, Text: text})
		require.NoError(t, err)
	}

	hits, err := db.SearchKeyword(ctx, 1, "deploy", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, h.Turn.Text, "deploy")
	}
}

func TestSearchKeywordSurvivesPunctuation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.AddTurn(ctx, &Turn{ChatID: 1, MessageID: 1, UserID: 7, Role: RoleUser, Text: "quoted text here"})
	require.NoError(t, err)

	// Raw quotes and operators in user input must not break the MATCH grammar.
	_, err = db.SearchKeyword(ctx, 1, `"quoted" AND (text OR`, 10)
	assert.NoError(t, err)

	hits, err := db.SearchKeyword(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFtsQuery(t *testing.T) {
	assert.Equal(t, `"deploy" OR "broken"`, ftsQuery("deploy broken"))
	assert.Equal(t, "", ftsQuery("   "))
	assert.Equal(t, `"its"`, ftsQuery(`"its"`))
}

func TestPruneOldProtectsUnsealedTail(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour).Unix()
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := db.AddTurn(ctx, &Turn{
			ChatID: 1, MessageID: int64(i + 1), UserID: 7, Role: RoleUser,
			Text: "short", Timestamp: old, RetentionDays: 90,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Everything after the first turn belongs to the unsealed tail.
	removed, err := db.PruneOld(ctx, time.Now(), func(chatID int64) int64 { return ids[0] })
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	turns, err := db.Recent(ctx, 1, 0, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestPruneOldKeepsImportantTurns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour).Unix()
	longText := strings.Repeat("word ", 120)
	_, err := db.AddTurn(ctx, &Turn{ChatID: 1, MessageID: 1, UserID: 7, Role: RoleUser, Text: longText, Timestamp: old, RetentionDays: 90})
	require.NoError(t, err)
	_, err = db.AddTurn(ctx, &Turn{ChatID: 1, MessageID: 2, UserID: 7, Role: RoleUser, Text: "short", Timestamp: old, RetentionDays: 90})
	require.NoError(t, err)

	removed, err := db.PruneOld(ctx, time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	turns, err := db.Recent(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, int64(1), turns[0].MessageID)
}

func TestImportanceScore(t *testing.T) {
	assert.Equal(t, 0.0, importanceScore("short note", false))
	assert.InDelta(t, 0.3, importanceScore("short note", true), 0.001)
	assert.InDelta(t, 0.2, importanceScore("see https://example.com ok", false), 0.001)
	long := strings.Repeat("word ", 120)
	// Length alone must clear the threshold, with or without media.
	assert.GreaterOrEqual(t, importanceScore(long, false), importanceKeepThreshold)
	assert.GreaterOrEqual(t, importanceScore(long, true), importanceKeepThreshold)
}

func TestBans(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	banned, err := db.IsBanned(ctx, 1, 7)
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, db.BanUser(ctx, 1, 7))
	require.NoError(t, db.BanUser(ctx, 1, 7)) // idempotent

	banned, err = db.IsBanned(ctx, 1, 7)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, db.UnbanUser(ctx, 1, 7))
	banned, err = db.IsBanned(ctx, 1, 7)
	require.NoError(t, err)
	assert.False(t, banned)
}
