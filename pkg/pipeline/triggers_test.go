package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldRespond(t *testing.T) {
	const bot = "gryag_bot"

	cases := []struct {
		name       string
		msg        *Incoming
		want       bool
		wantReason string
	}{
		{
			name:       "privateChatAlwaysResponds",
			msg:        &Incoming{IsPrivate: true, Text: "whatever"},
			want:       true,
			wantReason: "private",
		},
		{
			name:       "replyToBot",
			msg:        &Incoming{Text: "і що далі?", ReplyTo: &ReplyContext{IsBot: true}},
			want:       true,
			wantReason: "reply",
		},
		{
			name: "replyToHuman",
			msg:  &Incoming{Text: "і що далі?", ReplyTo: &ReplyContext{IsBot: false}},
			want: false,
		},
		{
			name:       "directMention",
			msg:        &Incoming{Text: "@gryag_bot розкажи анекдот"},
			want:       true,
			wantReason: "mention",
		},
		{
			name:       "keywordCyrillic",
			msg:        &Incoming{Text: "гряг, ти тут?"},
			want:       true,
			wantReason: "keyword",
		},
		{
			name:       "keywordCyrillicMidSentence",
			msg:        &Incoming{Text: "агов гряг, що там?"},
			want:       true,
			wantReason: "keyword",
		},
		{
			name:       "keywordCyrillicUppercase",
			msg:        &Incoming{Text: "Гряг, поясни"},
			want:       true,
			wantReason: "keyword",
		},
		{
			name:       "keywordInflected",
			msg:        &Incoming{Text: "спитай у гряга"},
			want:       true,
			wantReason: "keyword",
		},
		{
			name:       "keywordLatin",
			msg:        &Incoming{Text: "gryag help me out"},
			want:       true,
			wantReason: "keyword",
		},
		{
			name: "plainGroupChatter",
			msg:  &Incoming{Text: "хто йде на обід?"},
			want: false,
		},
		{
			name: "mentionOfLongerUsername",
			msg:  &Incoming{Text: "@gryag_bot2 привіт"},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := shouldRespond(tc.msg, bot)
			assert.Equal(t, tc.want, got)
			if tc.want {
				assert.Equal(t, tc.wantReason, reason)
			}
		})
	}
}

func TestContainsMention(t *testing.T) {
	assert.True(t, containsMention("hi @gryag_bot", "gryag_bot"))
	assert.True(t, containsMention("@GRYAG_BOT hi", "gryag_bot"))
	assert.True(t, containsMention("(@gryag_bot)", "gryag_bot"))
	assert.False(t, containsMention("@gryag_bot2", "gryag_bot"))
	assert.False(t, containsMention("gryag_bot without at", "gryag_bot"))
	// A later standalone occurrence still counts after a longer-username miss.
	assert.True(t, containsMention("@gryag_botx then @gryag_bot", "gryag_bot"))
}

func TestCommandForOtherBot(t *testing.T) {
	const bot = "gryag_bot"

	assert.True(t, commandForOtherBot(&Incoming{Command: "start", CommandTarget: "otherbot"}, bot))
	assert.False(t, commandForOtherBot(&Incoming{Command: "start", CommandTarget: "gryag_bot"}, bot))
	assert.False(t, commandForOtherBot(&Incoming{Command: "start", CommandTarget: "GRYAG_BOT"}, bot))
	assert.False(t, commandForOtherBot(&Incoming{Command: "start"}, bot))
	assert.False(t, commandForOtherBot(&Incoming{Text: "no command"}, bot))
}
