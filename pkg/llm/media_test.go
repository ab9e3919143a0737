package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullCaps = Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}

func defaultBudget() mediaBudget {
	return mediaBudget{maxTotal: 28, maxHistorical: 5, maxVideo: 1}
}

func TestShapeMessagesDropsUnsupportedModalities(t *testing.T) {
	msgs := []Message{{
		Role: "user",
		Text: "голосове",
		Media: []Media{
			{Mime: "audio/ogg", Data: []byte{1}},
			{Mime: "image/jpeg", Data: []byte{2}},
		},
	}}

	out := shapeMessages(msgs, Capabilities{InlineVideo: true}, defaultBudget())
	require.Len(t, out[0].Media, 1)
	assert.Equal(t, "image/jpeg", out[0].Media[0].Mime)
	assert.Contains(t, out[0].Text, "[media: audio/ogg]")
	// The original slice is untouched.
	assert.Len(t, msgs[0].Media, 2)
}

func TestShapeMessagesVideoBudgetPrefersNewest(t *testing.T) {
	msgs := []Message{
		{Role: "user", Text: "old", Media: []Media{{Mime: "video/mp4", Data: []byte{1}, Desc: "кіт падає зі столу"}}},
		{Role: "user", Text: "new", Media: []Media{{Mime: "video/mp4", Data: []byte{2}}}},
	}

	out := shapeMessages(msgs, fullCaps, defaultBudget())
	// The newest video survives; the older one is replaced by its description.
	assert.Len(t, out[1].Media, 1)
	assert.Empty(t, out[0].Media)
	assert.Contains(t, out[0].Text, "[Previously about video]: кіт падає зі столу")
}

func TestShapeMessagesVideoWithoutDescLeavesGenericTrace(t *testing.T) {
	msgs := []Message{
		{Role: "user", Text: "old", Media: []Media{{Mime: "video/mp4", Data: []byte{1}}}},
		{Role: "user", Text: "new", Media: []Media{{Mime: "video/mp4", Data: []byte{2}}}},
	}

	out := shapeMessages(msgs, fullCaps, defaultBudget())
	assert.Empty(t, out[0].Media)
	assert.Contains(t, out[0].Text, "[media: video/mp4]")
}

func TestShapeMessagesHistoricalBudget(t *testing.T) {
	budget := mediaBudget{maxTotal: 28, maxHistorical: 1, maxVideo: 1}
	msgs := []Message{
		{Role: "user", Historical: true, Media: []Media{{Mime: "image/jpeg", Data: []byte{1}}}},
		{Role: "user", Historical: true, Media: []Media{{Mime: "image/jpeg", Data: []byte{2}}}},
		{Role: "user", Media: []Media{{Mime: "image/jpeg", Data: []byte{3}}}},
	}

	out := shapeMessages(msgs, fullCaps, budget)
	// The current turn is unaffected by the historical cap.
	assert.Len(t, out[2].Media, 1)
	// Only the newest historical attachment fits.
	assert.Len(t, out[1].Media, 1)
	assert.Empty(t, out[0].Media)
	assert.Contains(t, out[0].Text, "[media: image/jpeg]")
}

func TestShapeMessagesTotalBudget(t *testing.T) {
	budget := mediaBudget{maxTotal: 2, maxHistorical: 5, maxVideo: 1}
	msgs := []Message{{
		Role: "user",
		Media: []Media{
			{Mime: "image/jpeg", Data: []byte{1}},
			{Mime: "image/jpeg", Data: []byte{2}},
			{Mime: "image/jpeg", Data: []byte{3}},
		},
	}}

	out := shapeMessages(msgs, fullCaps, budget)
	assert.Len(t, out[0].Media, 2)
	assert.Contains(t, out[0].Text, "[media: image/jpeg]")
}

func TestShapeMessagesNoMediaPassthrough(t *testing.T) {
	msgs := []Message{{Role: "user", Text: "just text"}}
	out := shapeMessages(msgs, Capabilities{}, defaultBudget())
	assert.Equal(t, "just text", out[0].Text)
	assert.Empty(t, out[0].Media)
}
