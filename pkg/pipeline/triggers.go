package pipeline

import (
	"regexp"
	"strings"
)

// nameKeywords matches the bot's name in either script, with arbitrary
// inflection endings. Ukrainian morphology inflects the name, so the
// pattern accepts any suffix after the stem. \b is ASCII-only in RE2
// and never fires next to Cyrillic letters, so the left boundary is
// spelled out as start-of-text or a non-alphanumeric rune. "@" is
// excluded so usernames of other bots never count as the keyword.
var nameKeywords = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_@])(?:гряг\p{L}*|gryag\w*)`)

// Incoming is one normalised message delivered by a channel.
type Incoming struct {
	ChatID    int64
	ThreadID  int64
	MessageID int64
	UserID    int64
	Username  string
	Name      string
	Text      string
	ChatTitle string
	IsPrivate bool

	// Command parsing, done by the channel. Target is the bot username
	// after "@" when the command is addressed, e.g. "/start@somebot".
	Command       string
	CommandArgs   string
	CommandTarget string

	ReplyTo *ReplyContext
	Media   []IncomingMedia

	// MentionedUserIDs are users referenced via text mentions, used to
	// pull their facts into the background layer.
	MentionedUserIDs []int64

	Timestamp int64
}

// ReplyContext describes the message being replied to.
type ReplyContext struct {
	MessageID int64
	UserID    int64
	Username  string
	Name      string
	Text      string
	IsBot     bool
}

// IncomingMedia is one downloaded attachment.
type IncomingMedia struct {
	Kind    string // store.Media* kinds
	Mime    string
	Data    []byte
	FileURI string
}

// shouldRespond decides whether this message is addressed to the bot.
// Order matters only for the reason label; any one trigger suffices.
func shouldRespond(msg *Incoming, botUsername string) (bool, string) {
	if msg.IsPrivate {
		return true, "private"
	}
	if msg.ReplyTo != nil && msg.ReplyTo.IsBot {
		return true, "reply"
	}
	if botUsername != "" && containsMention(msg.Text, botUsername) {
		return true, "mention"
	}
	if nameKeywords.MatchString(msg.Text) {
		return true, "keyword"
	}
	return false, ""
}

// containsMention checks for @botusername as a standalone token.
func containsMention(text, botUsername string) bool {
	needle := "@" + strings.ToLower(botUsername)
	lower := strings.ToLower(text)
	idx := 0
	for {
		i := strings.Index(lower[idx:], needle)
		if i < 0 {
			return false
		}
		i += idx
		end := i + len(needle)
		// The mention must not continue into a longer username.
		if end == len(lower) || !isUsernameChar(lower[end]) {
			return true
		}
		idx = end
	}
}

func isUsernameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// commandForOtherBot reports whether a command is explicitly addressed
// to a different bot and must be ignored entirely.
func commandForOtherBot(msg *Incoming, botUsername string) bool {
	return msg.Command != "" && msg.CommandTarget != "" &&
		!strings.EqualFold(msg.CommandTarget, botUsername)
}
