package admin

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/pipeline"
	"gryag/pkg/store"

	"go.uber.org/zap"
)

// cmdPrompt dispatches the prompt-management subcommands:
//
//	/gryagprompt show
//	/gryagprompt set <text>          (chat scope)
//	/gryagprompt set global <text>
//	/gryagprompt reset [global]
//	/gryagprompt history [global]
//	/gryagprompt activate <version> [global]
func (h *Handler) cmdPrompt(ctx context.Context, msg *pipeline.Incoming) {
	fields := strings.Fields(msg.CommandArgs)
	if len(fields) == 0 {
		h.reply(ctx, msg, "Використання: /gryagprompt show|set|reset|history|activate")
		return
	}
	sub, rest := strings.ToLower(fields[0]), fields[1:]

	switch sub {
	case "show":
		h.promptShow(ctx, msg)
	case "set":
		h.promptSet(ctx, msg, rest)
	case "reset":
		h.promptReset(ctx, msg, rest)
	case "history":
		h.promptHistory(ctx, msg, rest)
	case "activate":
		h.promptActivate(ctx, msg, rest)
	default:
		h.reply(ctx, msg, "Невідома підкоманда. Доступні: show, set, reset, history, activate.")
	}
}

// promptScope maps an optional "global" argument to the stored scope
// and chat id.
func promptScope(msg *pipeline.Incoming, args []string) (scope string, chatID int64, rest []string) {
	if len(args) > 0 && strings.EqualFold(args[0], "global") {
		return store.ScopeGlobal, 0, args[1:]
	}
	return store.ScopeChat, msg.ChatID, args
}

func (h *Handler) promptShow(ctx context.Context, msg *pipeline.Incoming) {
	override, err := h.db.ActivePrompt(ctx, msg.ChatID)
	if err != nil {
		logging.Error("prompt show failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло прочитати промпт.")
		return
	}
	if override == nil {
		h.reply(ctx, msg, "Активний промпт: вбудований (без перевизначень).")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Активний промпт (%s, версія %d):\n\n%s",
		override.Scope, override.Version, html.EscapeString(override.Text)))
}

func (h *Handler) promptSet(ctx context.Context, msg *pipeline.Incoming, args []string) {
	scope, chatID, rest := promptScope(msg, args)
	text := strings.TrimSpace(strings.Join(rest, " "))
	if text == "" {
		h.reply(ctx, msg, "Додай текст промпта після команди.")
		return
	}
	override, err := h.db.SetPrompt(ctx, scope, chatID, msg.UserID, text)
	if err != nil {
		logging.Error("prompt set failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло зберегти промпт.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Промпт збережено (%s, версія %d).", scope, override.Version))
}

func (h *Handler) promptReset(ctx context.Context, msg *pipeline.Incoming, args []string) {
	scope, chatID, _ := promptScope(msg, args)
	if err := h.db.ResetPrompt(ctx, scope, chatID); err != nil {
		logging.Error("prompt reset failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло скинути промпт.")
		return
	}
	h.reply(ctx, msg, "Промпт скинуто до вбудованого.")
}

func (h *Handler) promptHistory(ctx context.Context, msg *pipeline.Incoming, args []string) {
	scope, chatID, _ := promptScope(msg, args)
	history, err := h.db.PromptHistory(ctx, scope, chatID, 10)
	if err != nil {
		logging.Error("prompt history failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло прочитати історію.")
		return
	}
	if len(history) == 0 {
		h.reply(ctx, msg, "Історія порожня.")
		return
	}
	var sb strings.Builder
	sb.WriteString("<b>Історія промптів</b>\n")
	for _, p := range history {
		marker := " "
		if p.IsActive {
			marker = "•"
		}
		excerpt := p.Text
		if len([]rune(excerpt)) > 60 {
			excerpt = string([]rune(excerpt)[:60]) + "…"
		}
		fmt.Fprintf(&sb, "%s v%d (%s): %s\n", marker, p.Version,
			time.Unix(p.CreatedAt, 0).Format("2006-01-02"), html.EscapeString(excerpt))
	}
	h.reply(ctx, msg, sb.String())
}

func (h *Handler) promptActivate(ctx context.Context, msg *pipeline.Incoming, args []string) {
	scope, chatID, rest := promptScope(msg, args)
	if len(rest) == 0 {
		h.reply(ctx, msg, "Вкажи номер версії: /gryagprompt activate 3")
		return
	}
	version, err := strconv.Atoi(rest[0])
	if err != nil {
		h.reply(ctx, msg, "Версія має бути числом.")
		return
	}
	if err := h.db.ActivatePromptVersion(ctx, scope, chatID, version); err != nil {
		logging.Error("prompt activate failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло активувати цю версію.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Версія %d активна.", version))
}
