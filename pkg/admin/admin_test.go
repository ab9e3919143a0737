package admin

import (
	"context"
	"testing"

	"gryag/pkg/config"
	"gryag/pkg/pipeline"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendText(ctx context.Context, chatID, threadID, replyToMessageID int64, htmlText string) (int64, error) {
	f.sent = append(f.sent, htmlText)
	return 1, nil
}
func (f *fakeSender) SendTextWithKeyboard(ctx context.Context, chatID, threadID int64, htmlText string, keyboard tgbotapi.InlineKeyboardMarkup) (int64, error) {
	return 1, nil
}
func (f *fakeSender) EditMessage(ctx context.Context, chatID, messageID int64, htmlText string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	return nil
}
func (f *fakeSender) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }
func (f *fakeSender) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	return nil
}

type fakeForcer struct {
	forced []*pipeline.Incoming
}

func (f *fakeForcer) ForceAddress(ctx context.Context, msg *pipeline.Incoming) {
	f.forced = append(f.forced, msg)
}

func forceHandler(t *testing.T) (*Handler, *fakeSender, *fakeForcer) {
	t.Helper()
	sender := &fakeSender{}
	forcer := &fakeForcer{}
	h := New(&config.Settings{}, nil, nil, nil, nil, sender, forcer)
	return h, sender, forcer
}

func TestBareCommandForcesRepliedMessage(t *testing.T) {
	h, _, forcer := forceHandler(t)

	handled := h.HandleCommand(context.Background(), &pipeline.Incoming{
		ChatID:    1,
		MessageID: 10,
		UserID:    7,
		Command:   "gryag",
		ReplyTo: &pipeline.ReplyContext{
			MessageID: 5,
			UserID:    8,
			Username:  "someone",
			Text:      "а яка завтра погода?",
		},
	})

	assert.True(t, handled)
	require.Len(t, forcer.forced, 1)
	got := forcer.forced[0]
	assert.Equal(t, int64(5), got.MessageID)
	assert.Equal(t, int64(8), got.UserID)
	assert.Equal(t, "а яка завтра погода?", got.Text)
	assert.Empty(t, got.Command)
	assert.Nil(t, got.ReplyTo)
}

func TestBareCommandForcesTrailingText(t *testing.T) {
	h, _, forcer := forceHandler(t)

	handled := h.HandleCommand(context.Background(), &pipeline.Incoming{
		ChatID:      1,
		MessageID:   10,
		UserID:      7,
		Command:     "gryag",
		CommandArgs: "  розкажи анекдот  ",
	})

	assert.True(t, handled)
	require.Len(t, forcer.forced, 1)
	assert.Equal(t, "розкажи анекдот", forcer.forced[0].Text)
	assert.Equal(t, int64(10), forcer.forced[0].MessageID)
}

func TestBareCommandWithoutTargetExplains(t *testing.T) {
	h, sender, forcer := forceHandler(t)

	handled := h.HandleCommand(context.Background(), &pipeline.Incoming{
		ChatID:  1,
		UserID:  7,
		Command: "gryag",
	})

	assert.True(t, handled)
	assert.Empty(t, forcer.forced)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "Відповідай на повідомлення")
}
