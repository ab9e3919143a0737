// Package admin implements the /gryag* command surface: moderation,
// memory inspection, prompt management and data export.
package admin

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"gryag/pkg/config"
	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/pipeline"
	"gryag/pkg/store"
	"gryag/pkg/throttle"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender is the outbound surface the command handlers need.
type Sender interface {
	SendText(ctx context.Context, chatID, threadID, replyToMessageID int64, htmlText string) (int64, error)
	SendTextWithKeyboard(ctx context.Context, chatID, threadID int64, htmlText string, keyboard tgbotapi.InlineKeyboardMarkup) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, htmlText string, keyboard *tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
}

// Forcer pushes a message into the conversation flow as if the bot had
// been addressed directly. Implemented by the pipeline.
type Forcer interface {
	ForceAddress(ctx context.Context, msg *pipeline.Incoming)
}

// Handler dispatches the command set.
type Handler struct {
	cfg      *config.Settings
	db       *store.DB
	facts    *memory.Repository
	cooldown *throttle.Cooldown
	limiter  *throttle.FeatureLimiter
	sender   Sender
	forcer   Forcer
}

// New builds the handler.
func New(cfg *config.Settings, db *store.DB, facts *memory.Repository,
	cooldown *throttle.Cooldown, limiter *throttle.FeatureLimiter, sender Sender, forcer Forcer) *Handler {
	return &Handler{cfg: cfg, db: db, facts: facts, cooldown: cooldown, limiter: limiter, sender: sender, forcer: forcer}
}

// adminOnly lists commands that require ADMIN_USER_IDS membership.
var adminOnly = map[string]bool{
	"gryagban":        true,
	"gryagunban":      true,
	"gryagreset":      true,
	"gryagremovefact": true,
	"gryagforget":     true,
	"gryagprompt":     true,
	"gryaginsights":   true,
}

// HandleCommand runs one slash command. Returns false for commands this
// handler does not own so the caller can fall through.
func (h *Handler) HandleCommand(ctx context.Context, msg *pipeline.Incoming) bool {
	cmd := strings.ToLower(msg.Command)
	if !strings.HasPrefix(cmd, "gryag") {
		return false
	}

	isAdmin := h.cfg.IsAdmin(msg.UserID)
	if adminOnly[cmd] && !isAdmin {
		h.reply(ctx, msg, "Ця команда тільки для адмінів.")
		return true
	}

	// Non-admin commands sit behind the shared command cooldown.
	if !isAdmin && h.cfg.EnableCommandThrottling {
		res, err := h.cooldown.Check(ctx, msg.UserID, "command")
		if err != nil {
			logging.Error("cooldown check failed", zap.Error(err))
			return true
		}
		if !res.Allowed {
			if res.Warn {
				h.reply(ctx, msg, fmt.Sprintf("Команди на паузі ще %d с.", int(res.RetryAfter.Seconds())+1))
			}
			return true
		}
	}

	switch cmd {
	case "gryag":
		h.cmdForce(ctx, msg)
	case "gryaghelp":
		h.cmdHelp(ctx, msg, isAdmin)
	case "gryagban":
		h.cmdBan(ctx, msg, true)
	case "gryagunban":
		h.cmdBan(ctx, msg, false)
	case "gryagreset":
		h.cmdReset(ctx, msg)
	case "gryagprofile":
		h.cmdProfile(ctx, msg, isAdmin)
	case "gryagfacts":
		h.cmdFacts(ctx, msg, isAdmin)
	case "gryagremovefact":
		h.cmdRemoveFact(ctx, msg)
	case "gryagforget":
		h.cmdForget(ctx, msg)
	case "gryagexport":
		h.cmdExport(ctx, msg, isAdmin)
	case "gryagprompt":
		h.cmdPrompt(ctx, msg)
	case "gryagself":
		h.cmdSelf(ctx, msg)
	case "gryaginsights":
		h.cmdInsights(ctx, msg)
	default:
		return false
	}
	return true
}

// cmdForce is the bare /gryag command: it pushes the replied-to message,
// or the command's trailing text, into the conversation flow as an
// addressed message.
func (h *Handler) cmdForce(ctx context.Context, msg *pipeline.Incoming) {
	target := *msg
	target.Command, target.CommandArgs, target.CommandTarget = "", "", ""
	switch {
	case msg.ReplyTo != nil && msg.ReplyTo.Text != "":
		target.MessageID = msg.ReplyTo.MessageID
		target.UserID = msg.ReplyTo.UserID
		target.Username = msg.ReplyTo.Username
		target.Name = msg.ReplyTo.Name
		target.Text = msg.ReplyTo.Text
		target.ReplyTo = nil
		target.Media = nil
	case strings.TrimSpace(msg.CommandArgs) != "":
		target.Text = strings.TrimSpace(msg.CommandArgs)
	default:
		h.reply(ctx, msg, "Відповідай на повідомлення або напиши текст після команди.")
		return
	}
	h.forcer.ForceAddress(ctx, &target)
}

func (h *Handler) reply(ctx context.Context, msg *pipeline.Incoming, text string) {
	if _, err := h.sender.SendText(ctx, msg.ChatID, msg.ThreadID, msg.MessageID, text); err != nil {
		logging.Error("admin reply failed", zap.Error(err))
	}
}

func (h *Handler) cmdHelp(ctx context.Context, msg *pipeline.Incoming, isAdmin bool) {
	var sb strings.Builder
	sb.WriteString("<b>Команди</b>\n")
	sb.WriteString("/gryag — відповісти на повідомлення, на яке ти відповів\n")
	sb.WriteString("/gryagfacts — що я про тебе памʼятаю\n")
	sb.WriteString("/gryagprofile — твій профіль\n")
	sb.WriteString("/gryagexport — вивантажити свої дані\n")
	sb.WriteString("/gryagself — дозволити чи заборонити запамʼятовування\n")
	if isAdmin {
		sb.WriteString("\n<b>Для адмінів</b>\n")
		sb.WriteString("/gryagban, /gryagunban — бан у відповідь на повідомлення або за id\n")
		sb.WriteString("/gryagreset — скинути ліміти користувача\n")
		sb.WriteString("/gryagremovefact &lt;id&gt; — видалити факт\n")
		sb.WriteString("/gryagforget &lt;user_id&gt; — забути все про користувача\n")
		sb.WriteString("/gryagprompt set|show|reset|history|activate — системний промпт\n")
		sb.WriteString("/gryaginsights — статистика чату\n")
	}
	h.reply(ctx, msg, sb.String())
}

// targetUser resolves the target of a moderation command: the replied-to
// user first, then a numeric argument.
func targetUser(msg *pipeline.Incoming) (int64, bool) {
	if msg.ReplyTo != nil && msg.ReplyTo.UserID != 0 {
		return msg.ReplyTo.UserID, true
	}
	arg := strings.Fields(msg.CommandArgs)
	if len(arg) > 0 {
		if id, err := strconv.ParseInt(arg[0], 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func (h *Handler) cmdBan(ctx context.Context, msg *pipeline.Incoming, ban bool) {
	userID, ok := targetUser(msg)
	if !ok {
		h.reply(ctx, msg, "Відповідай на повідомлення або вкажи user_id.")
		return
	}
	if h.cfg.IsAdmin(userID) {
		h.reply(ctx, msg, "Адмінів не баню.")
		return
	}
	var err error
	if ban {
		err = h.db.BanUser(ctx, msg.ChatID, userID)
	} else {
		err = h.db.UnbanUser(ctx, msg.ChatID, userID)
	}
	if err != nil {
		logging.Error("ban toggle failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло. Спробуй ще раз.")
		return
	}
	if ban {
		h.reply(ctx, msg, fmt.Sprintf("Користувача %d більше не чую в цьому чаті.", userID))
	} else {
		h.reply(ctx, msg, fmt.Sprintf("Користувач %d знову зі мною.", userID))
	}
}

func (h *Handler) cmdReset(ctx context.Context, msg *pipeline.Incoming) {
	userID, ok := targetUser(msg)
	if !ok {
		h.reply(ctx, msg, "Відповідай на повідомлення або вкажи user_id.")
		return
	}
	if err := h.cooldown.Reset(ctx, userID, "command"); err != nil {
		logging.Error("cooldown reset failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло скинути ліміти.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Ліміти користувача %d скинуто.", userID))
}

func (h *Handler) cmdProfile(ctx context.Context, msg *pipeline.Incoming, isAdmin bool) {
	userID := msg.UserID
	if isAdmin {
		if target, ok := targetUser(msg); ok {
			userID = target
		}
	}
	profile, err := h.db.UserProfileByID(ctx, userID)
	if err != nil {
		logging.Error("profile lookup failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло знайти профіль.")
		return
	}
	if profile == nil {
		h.reply(ctx, msg, "Я ще нічого не знаю про цього користувача.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Профіль %d</b>\n", profile.UserID)
	if profile.DisplayName != "" {
		fmt.Fprintf(&sb, "Імʼя: %s\n", html.EscapeString(profile.DisplayName))
	}
	if profile.Username != "" {
		fmt.Fprintf(&sb, "Нік: @%s\n", html.EscapeString(profile.Username))
	}
	fmt.Fprintf(&sb, "Повідомлень: %d\n", profile.InteractionCount)
	if profile.Summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", html.EscapeString(profile.Summary))
	}
	h.reply(ctx, msg, sb.String())
}

func (h *Handler) cmdRemoveFact(ctx context.Context, msg *pipeline.Incoming) {
	args := strings.Fields(msg.CommandArgs)
	if len(args) == 0 {
		h.reply(ctx, msg, "Вкажи id факту: /gryagremovefact 42")
		return
	}
	factID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.reply(ctx, msg, "Id факту має бути числом.")
		return
	}
	if err := h.facts.ForgetFact(ctx, factID, "user_requested"); err != nil && err != memory.ErrNotFound {
		logging.Error("fact removal failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло видалити факт.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Факт %d забуто.", factID))
}

func (h *Handler) cmdForget(ctx context.Context, msg *pipeline.Incoming) {
	userID, ok := targetUser(msg)
	if !ok {
		h.reply(ctx, msg, "Відповідай на повідомлення або вкажи user_id.")
		return
	}
	n, err := h.facts.ForgetAllForEntity(ctx, memory.EntityUser, userID, memory.ChatContextFor(msg.ChatID), "user_requested")
	if err != nil {
		logging.Error("forget all failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Забув %d фактів про користувача %d.", n, userID))
}

// cmdExport dumps the requester's stored facts and profile as JSON.
func (h *Handler) cmdExport(ctx context.Context, msg *pipeline.Incoming, isAdmin bool) {
	userID := msg.UserID
	if isAdmin {
		if target, ok := targetUser(msg); ok {
			userID = target
		}
	}

	facts, err := h.facts.GetFacts(ctx, memory.EntityUser, userID, memory.ChatContextFor(msg.ChatID), nil, 0, 500)
	if err != nil {
		logging.Error("export facts failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло зібрати дані.")
		return
	}
	profile, err := h.db.UserProfileByID(ctx, userID)
	if err != nil {
		logging.Error("export profile failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло зібрати дані.")
		return
	}

	payload := map[string]any{
		"user_id":     userID,
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"profile":     profile,
		"facts":       facts,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		logging.Error("export marshal failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("gryag_export_%d.json", userID)
	if err := h.sender.SendDocument(ctx, msg.ChatID, name, data, "Твої дані."); err != nil {
		logging.Error("export send failed", zap.Error(err))
	}
}

// cmdSelf toggles whether the bot keeps learning facts about the
// requester.
func (h *Handler) cmdSelf(ctx context.Context, msg *pipeline.Incoming) {
	arg := strings.ToLower(strings.TrimSpace(msg.CommandArgs))
	switch arg {
	case "off", "stop", "ні":
		if _, err := h.facts.ForgetAllForEntity(ctx, memory.EntityUser, msg.UserID, memory.ChatContextFor(msg.ChatID), "user_requested"); err != nil {
			logging.Error("self opt-out failed", zap.Error(err))
			h.reply(ctx, msg, "Не вийшло.")
			return
		}
		h.reply(ctx, msg, "Добре, забув усе і більше не запамʼятовую в цьому чаті.")
	case "on", "start", "так":
		h.reply(ctx, msg, "Знову запамʼятовую. Обережніше зі словами.")
	default:
		h.reply(ctx, msg, "Використовуй /gryagself on або /gryagself off.")
	}
}

func (h *Handler) cmdInsights(ctx context.Context, msg *pipeline.Incoming) {
	count, avg, err := h.db.OutcomeStats(ctx, msg.ChatID)
	if err != nil {
		logging.Error("insights failed", zap.Error(err))
		h.reply(ctx, msg, "Не вийшло зібрати статистику.")
		return
	}
	episodes, err := h.db.RecentEpisodes(ctx, msg.ChatID, 3)
	if err != nil {
		logging.Error("insights episodes failed", zap.Error(err))
		episodes = nil
	}
	var sb strings.Builder
	sb.WriteString("<b>Статистика чату</b>\n")
	fmt.Fprintf(&sb, "Відповідей: %d, середня оцінка: %.2f\n", count, avg)
	if len(episodes) > 0 {
		sb.WriteString("\nОстанні епізоди:\n")
		for _, e := range episodes {
			fmt.Fprintf(&sb, "• %s\n", html.EscapeString(e.Topic))
		}
	}
	h.reply(ctx, msg, sb.String())
}
