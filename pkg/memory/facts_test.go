package memory

import (
	"context"
	"testing"

	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Kyiv  ", "kyiv"},
		{"KIEV", "kyiv"},
		{"Київ", "kyiv"},
		{"Golang", "go"},
		{"multiple   spaces here", "multiple spaces here"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "Normalize(%q)", tc.in)
	}
	// Idempotence: applying twice changes nothing.
	for _, tc := range cases {
		once := Normalize(tc.in)
		assert.Equal(t, once, Normalize(once))
	}
}

func TestAddFactCreation(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "location", Key: "hometown", Value: "Kyiv",
		Confidence: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, ChangeCreation, res.Change)
	assert.NotZero(t, res.FactID)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Kyiv", facts[0].Value)
	assert.Equal(t, 1, facts[0].EvidenceCount)
}

func TestAddFactReinforcement(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	first, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "location", Key: "hometown", Value: "Kyiv",
		Confidence: 0.8,
	})
	require.NoError(t, err)

	// Same normalised value, different surface form: reinforced, not duplicated.
	second, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "location", Key: "hometown", Value: "KIEV",
		Confidence: 0.6,
	})
	require.NoError(t, err)
	assert.Equal(t, ChangeReinforcement, second.Change)
	assert.Equal(t, first.FactID, second.FactID)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 2, facts[0].EvidenceCount)
	// Weighted average of 0.8 (n=1) and 0.6.
	assert.InDelta(t, 0.7, facts[0].Confidence, 0.001)
}

func TestForgetFactIdempotent(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "diet", Key: "preference", Value: "vegetarian",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	require.NoError(t, repo.ForgetFact(ctx, res.FactID, "user_requested"))

	// Second forget of the same fact reports not-found, not an error state.
	err = repo.ForgetFact(ctx, res.FactID, "user_requested")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.ForgetFact(ctx, 99999, "outdated")
	assert.ErrorIs(t, err, ErrNotFound)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestAddFactReactivation(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "diet", Key: "preference", Value: "vegetarian",
		Confidence: 0.9,
	})
	require.NoError(t, err)
	require.NoError(t, repo.ForgetFact(ctx, res.FactID, "user_requested"))

	// A confident re-observation revives the forgotten row as a correction.
	revived, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "diet", Key: "preference", Value: "vegetarian",
		Confidence: 0.85,
	})
	require.NoError(t, err)
	assert.Equal(t, ChangeCorrection, revived.Change)
	assert.Equal(t, res.FactID, revived.FactID)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestAddFactLowConfidenceDoesNotReactivate(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "diet", Key: "preference", Value: "vegetarian",
		Confidence: 0.9,
	})
	require.NoError(t, err)
	require.NoError(t, repo.ForgetFact(ctx, res.FactID, "user_requested"))

	fresh, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "diet", Key: "preference", Value: "vegetarian",
		Confidence: 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, ChangeCreation, fresh.Change)
	assert.NotEqual(t, res.FactID, fresh.FactID)
}

func TestUpdateFactEvolution(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "work", Key: "language", Value: "python",
		Confidence: 0.6,
	})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateFact(ctx, res.FactID, "go", 0.9, "switched teams"))

	f, err := repo.FactByID(ctx, res.FactID)
	require.NoError(t, err)
	assert.Equal(t, "go", f.Value)
	assert.InDelta(t, 0.9, f.Confidence, 0.001)

	assert.ErrorIs(t, repo.UpdateFact(ctx, 99999, "x", 0.5, ""), ErrNotFound)
}

func TestVersionHistory(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	res, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "work", Key: "language", Value: "python",
		Confidence: 0.6,
	})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateFact(ctx, res.FactID, "go", 0.9, "switched"))
	require.NoError(t, repo.ForgetFact(ctx, res.FactID, "outdated"))

	versions, err := repo.Versions(ctx, res.FactID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, ChangeCreation, versions[0].ChangeType)
	assert.Equal(t, ChangeEvolution, versions[1].ChangeType)
	assert.Equal(t, "python", versions[1].OldValue)
	assert.Equal(t, "go", versions[1].NewValue)
	assert.Equal(t, ChangeDeletion, versions[2].ChangeType)
	assert.Equal(t, "outdated", versions[2].Reason)
}

func TestForgetAllForEntity(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for _, v := range []string{"one", "two", "three"} {
		_, err := repo.AddFact(ctx, &Fact{
			EntityType: EntityUser, EntityID: 7,
			Category: "misc", Key: v, Value: v, Confidence: 0.7,
		})
		require.NoError(t, err)
	}

	n, err := repo.ForgetAllForEntity(ctx, EntityUser, 7, ChatContextGlobal, "user_requested")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestGetFactsLegacyShim(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_, err := repo.db.Exec(ctx, `
		INSERT INTO user_facts (user_id, fact_type, fact_key, fact_value, confidence, created_at)
		VALUES (7, 'personal', 'city', 'lviv', 0.8, 1700000000)`)
	require.NoError(t, err)

	_, err = repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "work", Key: "language", Value: "go", Confidence: 0.9,
	})
	require.NoError(t, err)

	facts, err := repo.GetFacts(ctx, EntityUser, 7, ChatContextGlobal, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	// Unified rows come first; the legacy shim fills the remainder.
	assert.False(t, facts[0].Legacy)
	assert.True(t, facts[1].Legacy)
	assert.Equal(t, "lviv", facts[1].Value)
}

func TestGetFactsChatContext(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_, err := repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7, ChatContext: "-1001",
		Category: "chat", Key: "nickname", Value: "joker", Confidence: 0.8,
	})
	require.NoError(t, err)
	_, err = repo.AddFact(ctx, &Fact{
		EntityType: EntityUser, EntityID: 7,
		Category: "global", Key: "city", Value: "kyiv", Confidence: 0.8,
	})
	require.NoError(t, err)

	// Chat-scoped reads see both the chat facts and the global ones.
	facts, err := repo.GetFacts(ctx, EntityUser, 7, "-1001", nil, 0, 10)
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	// A different chat only sees the global fact.
	facts, err = repo.GetFacts(ctx, EntityUser, 7, "-2002", nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "kyiv", facts[0].Value)
}

func TestChatContextFor(t *testing.T) {
	assert.Equal(t, "global", ChatContextFor(0))
	assert.Equal(t, "-1001", ChatContextFor(-1001))
}

func TestFormatFactsDigest(t *testing.T) {
	assert.Equal(t, "", FormatFactsDigest("label", nil))

	digest := FormatFactsDigest("Known about user 7", []*Fact{
		{Category: "location", Key: "city", Value: "kyiv"},
	})
	assert.Contains(t, digest, "Known about user 7:")
	assert.Contains(t, digest, "- [location] city: kyiv")
}
