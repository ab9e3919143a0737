package tools

import (
	"context"
	"testing"

	"gryag/pkg/memory"
	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepo(t *testing.T) *memory.Repository {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return memory.NewRepository(db)
}

func TestForgetFactByKey(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	meta := Meta{ChatID: 1, UserID: 7}

	_, err := repo.AddFact(ctx, &memory.Fact{
		EntityType:  memory.EntityUser,
		EntityID:    7,
		ChatContext: memory.ChatContextFor(1),
		Category:    "personal",
		Key:         "location",
		Value:       "Kyiv",
		Confidence:  0.9,
	})
	require.NoError(t, err)

	forget := &ForgetFact{Repo: repo}
	args := map[string]any{
		"user_id":  7,
		"category": "personal",
		"key":      "location",
		"reason":   "user_requested",
	}

	out, err := forget.Execute(ctx, meta, args)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)

	// The fact no longer surfaces in recall.
	facts, err := repo.GetFacts(ctx, memory.EntityUser, 7, memory.ChatContextFor(1), nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, facts)

	// A repeat forget of the same key reports not_found, not success.
	out, err = forget.Execute(ctx, meta, args)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"not_found"`)
}

func TestForgetFactUnknownKey(t *testing.T) {
	repo := testRepo(t)
	forget := &ForgetFact{Repo: repo}

	out, err := forget.Execute(context.Background(), Meta{ChatID: 1}, map[string]any{
		"user_id":  7,
		"category": "personal",
		"key":      "never_stored",
		"reason":   "outdated",
	})
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"not_found"`)
}

func TestForgetFactMissingArgs(t *testing.T) {
	forget := &ForgetFact{Repo: testRepo(t)}

	out, err := forget.Execute(context.Background(), Meta{ChatID: 1}, map[string]any{"user_id": 7})
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"error"`)
}
