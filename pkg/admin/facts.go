package admin

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"gryag/pkg/channels/telegram"
	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/pipeline"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const factsPerPage = 5

// cmdFacts shows the requester's stored facts, five per page with
// inline previous/next controls. Admins may inspect other users.
func (h *Handler) cmdFacts(ctx context.Context, msg *pipeline.Incoming, isAdmin bool) {
	userID := msg.UserID
	if isAdmin {
		if target, ok := targetUser(msg); ok {
			userID = target
		}
	}
	text, keyboard, err := h.renderFactsPage(ctx, msg.ChatID, userID, 0)
	if err != nil {
		logging.Error("facts page failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло прочитати факти.")
		return
	}
	if keyboard == nil {
		h.reply(ctx, msg, text)
		return
	}
	if _, err := h.sender.SendTextWithKeyboard(ctx, msg.ChatID, msg.ThreadID, text, *keyboard); err != nil {
		logging.Error("facts send failed", zap.Error(err))
	}
}

// HandleCallback processes the facts pagination presses. Callback data
// format: facts:<user_id>:<page>.
func (h *Handler) HandleCallback(ctx context.Context, cb *telegram.Callback) {
	parts := strings.Split(cb.Data, ":")
	if len(parts) != 3 || parts[0] != "facts" {
		_ = h.sender.AnswerCallback(ctx, cb.ID, "")
		return
	}
	userID, err1 := strconv.ParseInt(parts[1], 10, 64)
	page, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || page < 0 {
		_ = h.sender.AnswerCallback(ctx, cb.ID, "")
		return
	}

	// Only the fact owner or an admin may page through.
	if cb.UserID != userID && !h.cfg.IsAdmin(cb.UserID) {
		_ = h.sender.AnswerCallback(ctx, cb.ID, "Це не твої факти.")
		return
	}

	text, keyboard, err := h.renderFactsPage(ctx, cb.ChatID, userID, page)
	if err != nil {
		logging.Error("facts callback failed", zap.Error(err))
		_ = h.sender.AnswerCallback(ctx, cb.ID, "Помилка.")
		return
	}
	if err := h.sender.EditMessage(ctx, cb.ChatID, cb.MessageID, text, keyboard); err != nil {
		logging.Debug("facts edit failed", zap.Error(err))
	}
	_ = h.sender.AnswerCallback(ctx, cb.ID, "")
}

// renderFactsPage builds one page. A nil keyboard means there is only
// one page (or none).
func (h *Handler) renderFactsPage(ctx context.Context, chatID, userID int64, page int) (string, *tgbotapi.InlineKeyboardMarkup, error) {
	facts, err := h.facts.GetFacts(ctx, memory.EntityUser, userID, memory.ChatContextFor(chatID), nil, 0, 200)
	if err != nil {
		return "", nil, err
	}
	if len(facts) == 0 {
		return "Я ще нічого не запамʼятав про цього користувача.", nil, nil
	}

	pages := (len(facts) + factsPerPage - 1) / factsPerPage
	if page >= pages {
		page = pages - 1
	}
	start := page * factsPerPage
	end := start + factsPerPage
	if end > len(facts) {
		end = len(facts)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Факти про %d</b> (сторінка %d з %d)\n\n", userID, page+1, pages)
	for _, f := range facts[start:end] {
		legacy := ""
		if f.Legacy {
			legacy = " [старий формат]"
		}
		fmt.Fprintf(&sb, "<b>#%d</b> %s / %s: %s (%.0f%%)%s\n",
			f.ID, html.EscapeString(f.Category), html.EscapeString(f.Key),
			html.EscapeString(f.Value), f.Confidence*100, legacy)
	}

	if pages <= 1 {
		return sb.String(), nil, nil
	}

	var row []tgbotapi.InlineKeyboardButton
	if page > 0 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("◀",
			fmt.Sprintf("facts:%d:%d", userID, page-1)))
	}
	if page < pages-1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("▶",
			fmt.Sprintf("facts:%d:%d", userID, page+1)))
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(row)
	return sb.String(), &keyboard, nil
}
