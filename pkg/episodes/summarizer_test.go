package episodes

import (
	"strings"
	"testing"

	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
)

func userTurn(id int64, userID int64, text string, ts int64) *store.Turn {
	return &store.Turn{ID: id, UserID: userID, Role: store.RoleUser, Text: text, Timestamp: ts}
}

func TestHeuristicSummaryTopicFromFirstUserTurn(t *testing.T) {
	span := []*store.Turn{
		{ID: 1, Role: store.RoleModel, Text: "попередня відповідь бота"},
		userTurn(2, 7, "давайте обговоримо плани на вихідні в Карпатах разом з усіма", 100),
		userTurn(3, 8, "я за, Карпати це чудово", 110),
	}

	topic, summary, tags, importance, valence := heuristicSummary(span)

	// Topic is the first six words of the first user turn.
	assert.Equal(t, "давайте обговоримо плани на вихідні в", topic)
	assert.Contains(t, summary, topic)
	assert.Contains(t, summary, "3 messages")
	assert.Equal(t, "neutral", valence)
	assert.GreaterOrEqual(t, importance, 0.2)
	assert.LessOrEqual(t, importance, 0.8)
	assert.NotEmpty(t, tags)
	assert.LessOrEqual(t, len(tags), 5)
}

func TestHeuristicSummaryTagsExcludeStopWords(t *testing.T) {
	span := []*store.Turn{
		userTurn(1, 7, "kubernetes deployment kubernetes failed and the deployment", 100),
	}
	_, _, tags, _, _ := heuristicSummary(span)

	assert.Contains(t, tags, "kubernetes")
	assert.Contains(t, tags, "deployment")
	assert.NotContains(t, tags, "and")
	assert.NotContains(t, tags, "the")
}

func TestHeuristicSummaryImportanceClamps(t *testing.T) {
	short := []*store.Turn{userTurn(1, 7, "hi", 100)}
	_, _, _, importance, _ := heuristicSummary(short)
	assert.InDelta(t, 0.2, importance, 0.001)

	long := make([]*store.Turn, 100)
	for i := range long {
		long[i] = userTurn(int64(i+1), 7, "message text here", int64(100+i))
	}
	_, _, _, importance, _ = heuristicSummary(long)
	assert.InDelta(t, 0.8, importance, 0.001)
}

func TestHeuristicSummaryEmptySpan(t *testing.T) {
	topic, summary, _, _, valence := heuristicSummary(nil)
	assert.Equal(t, "conversation", topic)
	assert.NotEmpty(t, summary)
	assert.Equal(t, "neutral", valence)
}

func TestHeuristicSummaryTagsAreDeterministic(t *testing.T) {
	span := []*store.Turn{
		userTurn(1, 7, strings.Repeat("alpha beta gamma ", 3), 100),
	}
	_, _, first, _, _ := heuristicSummary(span)
	_, _, second, _, _ := heuristicSummary(span)
	assert.Equal(t, first, second)
}
