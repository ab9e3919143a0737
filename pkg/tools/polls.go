package tools

import (
	"context"
	"strings"
)

// PollSender is implemented by the Telegram channel. The tool itself
// stays transport-agnostic.
type PollSender interface {
	SendPoll(ctx context.Context, chatID, threadID int64, question string, options []string, anonymous, multiple bool) error
}

// CreatePoll lets the model post a native poll into the chat.
type CreatePoll struct {
	Sender PollSender
}

func (t *CreatePoll) Name() string { return "create_poll" }

func (t *CreatePoll) Description() string {
	return "Post a poll in the current chat. Needs a question and 2 to 10 answer options."
}

func (t *CreatePoll) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The poll question, at most 300 characters",
			},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Between 2 and 10 answer options, each at most 100 characters",
			},
			"anonymous": map[string]any{
				"type":        "boolean",
				"description": "Whether votes are anonymous, default true",
			},
			"multiple": map[string]any{
				"type":        "boolean",
				"description": "Whether voters may pick several options, default false",
			},
		},
		"required": []string{"question", "options"},
	}
}

func (t *CreatePoll) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	question := strings.TrimSpace(argString(args, "question"))
	if question == "" {
		return ErrorResult("question is required"), nil
	}
	if len([]rune(question)) > 300 {
		return ErrorResult("question is longer than 300 characters"), nil
	}

	rawOptions, _ := args["options"].([]any)
	var options []string
	for _, o := range rawOptions {
		if s, ok := o.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				options = append(options, s)
			}
		}
	}
	if len(options) < 2 || len(options) > 10 {
		return ErrorResult("polls need between 2 and 10 options"), nil
	}
	for _, o := range options {
		if len([]rune(o)) > 100 {
			return ErrorResult("poll options must be at most 100 characters"), nil
		}
	}

	anonymous := true
	if v, ok := args["anonymous"].(bool); ok {
		anonymous = v
	}
	multiple, _ := args["multiple"].(bool)

	if err := t.Sender.SendPoll(ctx, meta.ChatID, meta.ThreadID, question, options, anonymous, multiple); err != nil {
		return ErrorResult("could not send the poll: " + err.Error()), nil
	}
	return OKResult(map[string]any{"question": question, "options": len(options)}), nil
}
