package tools

import (
	"context"
	"strings"
	"time"

	"gryag/pkg/store"
)

// quotaDay renders the UTC day bucket used by the image quota table.
func quotaDay() string { return time.Now().UTC().Format("2006-01-02") }

// ImageGenerator produces or edits an image from a prompt. Implemented
// by the LLM client.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, base []byte, baseMime string) (data []byte, mime string, err error)
}

// PhotoSender posts a generated image into the chat. Implemented by the
// Telegram channel.
type PhotoSender interface {
	SendPhoto(ctx context.Context, chatID, threadID int64, data []byte, caption string) error
}

// GenerateImage creates a new image from a text prompt, bounded by a
// per-user daily quota that is only consumed on success.
type GenerateImage struct {
	Gen        ImageGenerator
	Sender     PhotoSender
	DB         *store.DB
	DailyLimit int
}

func (t *GenerateImage) Name() string { return "generate_image" }

func (t *GenerateImage) Description() string {
	return "Generate an image from a text description and post it in the chat. Subject to a daily per-user quota."
}

func (t *GenerateImage) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "What the image should show",
			},
			"caption": map[string]any{
				"type":        "string",
				"description": "Optional caption to attach to the posted image",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *GenerateImage) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	prompt := strings.TrimSpace(argString(args, "prompt"))
	if prompt == "" {
		return ErrorResult("prompt is required"), nil
	}

	used, err := t.DB.ImageQuotaUsed(ctx, meta.UserID, quotaDay())
	if err != nil {
		return "", err
	}
	if !meta.IsAdmin && used >= t.DailyLimit {
		return ErrorResult("daily image generation quota reached"), nil
	}

	data, _, err := t.Gen.GenerateImage(ctx, prompt, nil, "")
	if err != nil {
		return ErrorResult("image generation failed: " + err.Error()), nil
	}
	if err := t.Sender.SendPhoto(ctx, meta.ChatID, meta.ThreadID, data, argString(args, "caption")); err != nil {
		return ErrorResult("could not send the image: " + err.Error()), nil
	}
	// Quota is consumed only after the image was produced and delivered.
	if err := t.DB.ConsumeImageQuota(ctx, meta.UserID, quotaDay()); err != nil {
		return "", err
	}
	return OKResult(map[string]any{"remaining_today": t.DailyLimit - used - 1}), nil
}

// EditImage reworks an attached image according to instructions. The
// pipeline injects the source image from the message being answered.
type EditImage struct {
	Gen        ImageGenerator
	Sender     PhotoSender
	DB         *store.DB
	DailyLimit int

	// Source carries the image from the triggering message, set by the
	// pipeline before binding the dispatcher.
	Source     []byte
	SourceMime string
}

func (t *EditImage) Name() string { return "edit_image" }

func (t *EditImage) Description() string {
	return "Edit the image attached to the message being answered according to the given instructions, and post the result. Fails when no image is attached."
}

func (t *EditImage) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"instructions": map[string]any{
				"type":        "string",
				"description": "How to change the image",
			},
		},
		"required": []string{"instructions"},
	}
}

func (t *EditImage) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	instructions := strings.TrimSpace(argString(args, "instructions"))
	if instructions == "" {
		return ErrorResult("instructions are required"), nil
	}
	if len(t.Source) == 0 {
		return ErrorResult("the message has no image to edit"), nil
	}

	used, err := t.DB.ImageQuotaUsed(ctx, meta.UserID, quotaDay())
	if err != nil {
		return "", err
	}
	if !meta.IsAdmin && used >= t.DailyLimit {
		return ErrorResult("daily image generation quota reached"), nil
	}

	data, _, err := t.Gen.GenerateImage(ctx, instructions, t.Source, t.SourceMime)
	if err != nil {
		return ErrorResult("image editing failed: " + err.Error()), nil
	}
	if err := t.Sender.SendPhoto(ctx, meta.ChatID, meta.ThreadID, data, ""); err != nil {
		return ErrorResult("could not send the image: " + err.Error()), nil
	}
	if err := t.DB.ConsumeImageQuota(ctx, meta.UserID, quotaDay()); err != nil {
		return "", err
	}
	return OKResult(map[string]any{"remaining_today": t.DailyLimit - used - 1}), nil
}
