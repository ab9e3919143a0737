package llm

import (
	"fmt"
	"strings"

	"gryag/pkg/logging"

	"go.uber.org/zap"
)

// Media is one attachment on a message. Desc carries a textual stand-in
// (typically an earlier bot description of the same video) used when the
// attachment must be dropped over a budget.
type Media struct {
	Mime    string
	Data    []byte
	FileURI string
	Desc    string
}

// Message is one conversation entry as submitted to the provider.
// Historical marks turns pulled from context as opposed to the message
// being answered; historical media is budgeted more tightly.
type Message struct {
	Role       string // "user", "model" or "system"
	Text       string
	Media      []Media
	Historical bool
}

// mediaBudget bounds how many attachments reach the provider.
type mediaBudget struct {
	maxTotal      int
	maxHistorical int
	maxVideo      int
}

// shapeMessages enforces capability and count limits on attachments,
// mutating a copy of the input. Dropped media leaves a textual trace so
// the model still knows something was there. Newest media wins when a
// budget forces a choice, so messages are scanned newest first.
func shapeMessages(messages []Message, caps Capabilities, budget mediaBudget) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	total, historical, videos := 0, 0, 0
	for i := len(out) - 1; i >= 0; i-- {
		msg := &out[i]
		if len(msg.Media) == 0 {
			continue
		}
		var kept []Media
		var traces []string
		for _, m := range msg.Media {
			mime := strings.ToLower(m.Mime)
			isAudio := strings.HasPrefix(mime, "audio/")
			isVideo := strings.HasPrefix(mime, "video/")

			if (isAudio && !caps.Audio) || (isVideo && !caps.InlineVideo) {
				logging.Info("Filtered unsupported media", zap.String("mime", m.Mime))
				traces = append(traces, fmt.Sprintf("[media: %s]", m.Mime))
				continue
			}
			if isVideo && videos >= budget.maxVideo {
				if m.Desc != "" {
					traces = append(traces, fmt.Sprintf("[Previously about video]: %s", m.Desc))
				} else {
					traces = append(traces, fmt.Sprintf("[media: %s]", m.Mime))
				}
				continue
			}
			if total >= budget.maxTotal || (msg.Historical && historical >= budget.maxHistorical) {
				traces = append(traces, fmt.Sprintf("[media: %s]", m.Mime))
				continue
			}

			kept = append(kept, m)
			total++
			if msg.Historical {
				historical++
			}
			if isVideo {
				videos++
			}
		}
		msg.Media = kept
		if len(traces) > 0 {
			joined := strings.Join(traces, " ")
			if msg.Text == "" {
				msg.Text = joined
			} else {
				msg.Text = msg.Text + "\n" + joined
			}
		}
	}
	return out
}
