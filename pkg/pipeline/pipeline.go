// Package pipeline runs a message from arrival to reply: triggers,
// gates, persistence, context assembly, generation with tools, reply
// formatting and the fire-and-forget learners.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gryag/pkg/config"
	"gryag/pkg/contextwin"
	"gryag/pkg/episodes"
	"gryag/pkg/llm"
	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/store"
	"gryag/pkg/throttle"
	"gryag/pkg/tools"

	"go.uber.org/zap"
)

// Responder sends the bot's replies. Implemented by the Telegram
// channel.
type Responder interface {
	SendText(ctx context.Context, chatID, threadID, replyToMessageID int64, htmlText string) (int64, error)
	SendTyping(chatID int64)
}

// Pipeline owns the conversation flow for one bot instance.
type Pipeline struct {
	cfg       *config.Settings
	db        *store.DB
	facts     *memory.Repository
	assembler *contextwin.Assembler
	client    *llm.Client
	registry  *tools.Registry
	limiter   *throttle.UserLimiter
	locks     *throttle.ConvLocks
	monitor   *episodes.Monitor
	responder Responder

	botUsername string

	warnMu   sync.Mutex
	lastWarn map[int64]time.Time
}

// New wires the pipeline. The monitor may be nil (episodes disabled).
func New(cfg *config.Settings, db *store.DB, facts *memory.Repository, assembler *contextwin.Assembler,
	client *llm.Client, registry *tools.Registry, limiter *throttle.UserLimiter,
	locks *throttle.ConvLocks, monitor *episodes.Monitor, responder Responder, botUsername string) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		db:          db,
		facts:       facts,
		assembler:   assembler,
		client:      client,
		registry:    registry,
		limiter:     limiter,
		locks:       locks,
		monitor:     monitor,
		responder:   responder,
		botUsername: botUsername,
		lastWarn:    make(map[int64]time.Time),
	}
}

// HandleMessage processes one non-command message end to end. Every
// message is persisted for context; only addressed messages produce a
// reply.
func (p *Pipeline) HandleMessage(ctx context.Context, msg *Incoming) {
	if commandForOtherBot(msg, p.botUsername) || msg.Command != "" {
		return
	}
	if !p.cfg.ChatAllowed(msg.ChatID) {
		return
	}

	userTurn := p.persistIncoming(ctx, msg)

	go p.touchProfiles(context.WithoutCancel(ctx), msg)

	addressed, reason := shouldRespond(msg, p.botUsername)
	if !addressed {
		return
	}
	logging.Debug("message addressed to bot",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int64("user_id", msg.UserID),
		zap.String("trigger", reason))

	// The response path runs off the delivery goroutine so slow
	// generation never delays persisting later messages of the same
	// conversation.
	go p.respond(ctx, msg, userTurn)
}

// ForceAddress processes msg as if it had been addressed to the bot,
// bypassing trigger detection. Used by the bare /gryag command. The
// stored turn is reused when the message was already persisted on
// arrival.
func (p *Pipeline) ForceAddress(ctx context.Context, msg *Incoming) {
	if !p.cfg.ChatAllowed(msg.ChatID) {
		return
	}
	userTurn, err := p.db.TurnByMessageID(ctx, msg.ChatID, msg.MessageID)
	if err != nil || userTurn == nil {
		userTurn = p.persistIncoming(ctx, msg)
	}
	go p.respond(ctx, msg, userTurn)
}

// respond runs the addressed path: gates, conversation lock, generation
// and the reply. The lock is taken before the rate gate so decisions
// for one conversation are strictly serialized.
func (p *Pipeline) respond(ctx context.Context, msg *Incoming, userTurn *store.Turn) {
	if banned, err := p.db.IsBanned(ctx, msg.ChatID, msg.UserID); err != nil {
		logging.Error("ban check failed", zap.Error(err))
		return
	} else if banned && !p.cfg.IsAdmin(msg.UserID) {
		return
	}

	release, err := p.locks.Acquire(ctx, msg.ChatID, msg.ThreadID, msg.UserID)
	if err != nil {
		return
	}
	defer release()

	if !p.cfg.IsAdmin(msg.UserID) {
		if d := p.limiter.Check(msg.UserID); !d.Allowed {
			if p.shouldWarnRateLimit(msg.UserID) {
				p.send(ctx, msg, replyRateLimited(d.RetryAfter))
			}
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.PipelineTimeoutSeconds)*time.Second)
	defer cancel()

	p.responder.SendTyping(msg.ChatID)

	reply, err := p.generate(ctx, msg, userTurn)
	if err != nil {
		logging.Error("generation failed",
			zap.Int64("chat_id", msg.ChatID),
			zap.String("class", llm.ClassOf(err)),
			zap.Error(err))
		p.send(ctx, msg, replyForError(err))
		p.recordOutcome(ctx, msg, 0, "error", 0)
		return
	}
	if reply == "" {
		p.recordOutcome(ctx, msg, 0, "empty", 0)
		return
	}

	sentID := p.send(ctx, msg, reply)
	replyTurnID := p.persistReply(ctx, msg, sentID, reply)
	p.recordOutcome(ctx, msg, replyTurnID, "replied", 1)

	if p.monitor != nil {
		go func() {
			sweepCtx, sweepCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer sweepCancel()
			if _, err := p.monitor.Sweep(sweepCtx, msg.ChatID); err != nil {
				logging.Warn("episode sweep failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
			}
		}()
	}
}

// generate assembles the context and runs the model with tools.
func (p *Pipeline) generate(ctx context.Context, msg *Incoming, userTurn *store.Turn) (string, error) {
	req := contextwin.Request{
		ChatID:         msg.ChatID,
		ThreadID:       msg.ThreadID,
		UserID:         msg.UserID,
		MentionedUsers: msg.MentionedUserIDs,
		QueryText:      msg.Text,
		TokenBudget:    p.cfg.ContextTokenBudget,
	}

	var history []*store.Turn
	var err error
	if p.cfg.EnableMultiLevelContext {
		history, err = p.assembler.Assemble(ctx, req)
		if err != nil {
			history, err = p.assembler.Fallback(ctx, req, p.cfg.MaxTurns)
		}
	} else {
		history, err = p.assembler.Fallback(ctx, req, p.cfg.MaxTurns)
	}
	if err != nil {
		logging.Warn("context assembly failed entirely, replying without history", zap.Error(err))
		history = nil
	}

	messages := p.buildMessages(history, msg, userTurn)
	dispatcher := p.bindTools(msg)

	resp, err := p.client.Generate(ctx, llm.Request{
		System:    p.systemPrompt(ctx, msg.ChatID),
		Messages:  messages,
		Tools:     dispatcher,
		Grounding: p.cfg.EnableSearchGrounding,
	})
	if err != nil {
		return "", err
	}
	if len(resp.ToolCalls) > 0 {
		logging.Info("reply used tools",
			zap.Int64("chat_id", msg.ChatID),
			zap.Strings("tools", resp.ToolCalls))
	}
	return resp.Text, nil
}

// buildMessages renders stored turns plus the current message into the
// model's conversation shape. History turns carry the historical flag
// so their media is budgeted more tightly.
func (p *Pipeline) buildMessages(history []*store.Turn, msg *Incoming, userTurn *store.Turn) []llm.Message {
	var out []llm.Message
	for _, t := range history {
		if userTurn != nil && t.ID == userTurn.ID {
			continue // the current message is appended last
		}
		m := llm.Message{Historical: true, Text: t.Text}
		switch t.Role {
		case store.RoleModel:
			m.Role = "model"
		default:
			m.Role = "user"
		}
		for _, part := range t.Media {
			m.Media = append(m.Media, llm.Media{
				Mime:    part.Mime,
				Data:    part.Data,
				FileURI: part.FileURI,
				Desc:    p.videoDescription(t),
			})
		}
		out = append(out, m)
	}

	current := llm.Message{Role: "user", Text: p.renderIncomingText(msg)}
	for _, part := range msg.Media {
		current.Media = append(current.Media, llm.Media{
			Mime:    part.Mime,
			Data:    part.Data,
			FileURI: part.FileURI,
		})
	}
	return append(out, current)
}

// videoDescription digs up the bot's own earlier reply about a video
// turn, used as the textual stand-in when the video is dropped over the
// media budget.
func (p *Pipeline) videoDescription(t *store.Turn) string {
	hasVideo := false
	for _, m := range t.Media {
		if strings.HasPrefix(strings.ToLower(m.Mime), "video/") {
			hasVideo = true
			break
		}
	}
	if !hasVideo || t.MessageID == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	after, err := p.db.TurnsAfter(ctx, t.ChatID, t.ID, 5)
	if err != nil {
		return ""
	}
	for _, reply := range after {
		if reply.Role == store.RoleModel && reply.Meta != nil && reply.Meta.ReplyToMessageID == t.MessageID {
			return firstSentence(reply.Text)
		}
	}
	return ""
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(text, sep); i > 0 {
			return text[:i+1]
		}
	}
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200])
	}
	return text
}

// renderIncomingText prepends the metadata block, or the compact
// speaker prefix when enabled, and the optional reply excerpt to the
// raw message text.
func (p *Pipeline) renderIncomingText(msg *Incoming) string {
	meta := metadataFor(msg)
	var sb strings.Builder
	if p.cfg.EnableCompactConversationFormat {
		sb.WriteString(store.FormatMetadataCompact(meta, p.cfg.CompactFormatUseFullIDs))
	} else {
		sb.WriteString(store.FormatMetadata(meta))
	}
	sb.WriteString("\n")
	if p.cfg.IncludeReplyExcerpt && msg.ReplyTo != nil && msg.ReplyTo.Text != "" {
		excerpt := msg.ReplyTo.Text
		if max := p.cfg.ReplyExcerptMaxChars; max > 0 && len([]rune(excerpt)) > max {
			excerpt = string([]rune(excerpt)[:max]) + "…"
		}
		name := msg.ReplyTo.Name
		if name == "" {
			name = msg.ReplyTo.Username
		}
		fmt.Fprintf(&sb, "[↩︎ %s: %s]\n", name, excerpt)
	}
	sb.WriteString(msg.Text)
	return sb.String()
}

// systemPrompt resolves chat override > global override > built-in
// default, then appends the operational rules and the current time.
func (p *Pipeline) systemPrompt(ctx context.Context, chatID int64) string {
	prompt := defaultSystemPrompt
	if override, err := p.db.ActivePrompt(ctx, chatID); err != nil {
		logging.Warn("prompt resolution failed, using default", zap.Error(err))
	} else if override != nil {
		prompt = override.Text
	}
	return prompt + operationalRules +
		fmt.Sprintf("\n\nCurrent time: %s", time.Now().Format("Monday, 2 January 2006, 15:04 MST"))
}

// bindTools builds the per-message dispatcher, overlaying edit_image
// with the current message's photo when one is attached.
func (p *Pipeline) bindTools(msg *Incoming) *tools.Dispatcher {
	d := p.registry.Bind(tools.Meta{
		ChatID:   msg.ChatID,
		ThreadID: msg.ThreadID,
		UserID:   msg.UserID,
		IsAdmin:  p.cfg.IsAdmin(msg.UserID),
	})
	if p.cfg.EnableImageGeneration {
		for _, m := range msg.Media {
			if strings.HasPrefix(strings.ToLower(m.Mime), "image/") && len(m.Data) > 0 {
				if base, ok := p.registry.Get("edit_image"); ok {
					if proto, ok := base.(*tools.EditImage); ok {
						bound := *proto
						bound.Source = m.Data
						bound.SourceMime = m.Mime
						d.WithTool(&bound)
					}
				}
				break
			}
		}
	}
	return d
}

// persistIncoming stores the user turn and kicks off the async
// embedding backfill. The turn text carries the metadata block so
// history rendering needs no join.
func (p *Pipeline) persistIncoming(ctx context.Context, msg *Incoming) *store.Turn {
	turn := &store.Turn{
		ChatID:        msg.ChatID,
		ThreadID:      msg.ThreadID,
		MessageID:     msg.MessageID,
		UserID:        msg.UserID,
		Role:          store.RoleUser,
		Text:          p.renderIncomingText(msg),
		Meta:          metadataFor(msg),
		Timestamp:     msg.Timestamp,
		RetentionDays: p.cfg.RetentionDays,
	}
	for _, m := range msg.Media {
		turn.Media = append(turn.Media, store.MediaPart{
			Kind:    m.Kind,
			Mime:    m.Mime,
			Data:    m.Data,
			FileURI: m.FileURI,
		})
	}
	if _, err := p.db.AddTurn(ctx, turn); err != nil {
		logging.Error("failed to persist incoming turn", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		return nil
	}
	p.embedAsync(ctx, turn.ID, msg.Text)
	return turn
}

func (p *Pipeline) persistReply(ctx context.Context, msg *Incoming, sentMessageID int64, text string) int64 {
	turn := &store.Turn{
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		MessageID: sentMessageID,
		Role:      store.RoleModel,
		Text:      text,
		Meta: &store.Metadata{
			ChatID:           msg.ChatID,
			ThreadID:         msg.ThreadID,
			MessageID:        sentMessageID,
			ReplyToUserID:    msg.UserID,
			ReplyToUsername:  msg.Username,
			ReplyToName:      msg.Name,
			ReplyToMessageID: msg.MessageID,
		},
		RetentionDays: p.cfg.RetentionDays,
	}
	if _, err := p.db.AddTurn(ctx, turn); err != nil {
		logging.Error("failed to persist reply turn", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		return 0
	}
	p.embedAsync(ctx, turn.ID, text)
	return turn.ID
}

// embedAsync computes and backfills a turn's embedding off the hot
// path. Failures only cost the semantic leg for this turn.
func (p *Pipeline) embedAsync(ctx context.Context, turnID int64, text string) {
	if !p.cfg.EnableHybridSearch || strings.TrimSpace(text) == "" {
		return
	}
	go func() {
		embedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		defer cancel()
		vec, err := p.client.Embed(embedCtx, text)
		if err != nil || len(vec) == 0 {
			if err != nil {
				logging.Debug("turn embedding failed", zap.Int64("turn_id", turnID), zap.Error(err))
			}
			return
		}
		if err := p.db.UpdateTurnEmbedding(embedCtx, turnID, vec); err != nil {
			logging.Warn("embedding backfill failed", zap.Int64("turn_id", turnID), zap.Error(err))
		}
	}()
}

func (p *Pipeline) touchProfiles(ctx context.Context, msg *Incoming) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.db.TouchUserProfile(ctx, msg.UserID, msg.Name, msg.Username); err != nil {
		logging.Debug("user profile touch failed", zap.Error(err))
	}
	if err := p.db.TouchChatProfile(ctx, msg.ChatID, msg.ChatTitle); err != nil {
		logging.Debug("chat profile touch failed", zap.Error(err))
	}
}

func (p *Pipeline) recordOutcome(ctx context.Context, msg *Incoming, turnID int64, signal string, score float64) {
	if !p.cfg.EnableBotSelfLearning {
		return
	}
	if err := p.db.RecordOutcome(ctx, msg.ChatID, turnID, signal, score); err != nil {
		logging.Debug("outcome record failed", zap.Error(err))
	}
}

// send renders and delivers a reply, chunked at the platform limit.
// Returns the platform message id of the first chunk.
func (p *Pipeline) send(ctx context.Context, msg *Incoming, text string) int64 {
	var firstID int64
	for i, chunk := range chunkMessage(renderTelegramHTML(text), telegramChunkLimit) {
		replyTo := int64(0)
		if i == 0 {
			replyTo = msg.MessageID
		}
		id, err := p.responder.SendText(ctx, msg.ChatID, msg.ThreadID, replyTo, chunk)
		if err != nil {
			logging.Error("send failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
			return firstID
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID
}

// shouldWarnRateLimit debounces throttle warnings to one per window so
// a spamming user gets silence, not a warning per message.
func (p *Pipeline) shouldWarnRateLimit(userID int64) bool {
	const debounce = 10 * time.Minute
	p.warnMu.Lock()
	defer p.warnMu.Unlock()
	if last, ok := p.lastWarn[userID]; ok && time.Since(last) < debounce {
		return false
	}
	p.lastWarn[userID] = time.Now()
	return true
}

func metadataFor(msg *Incoming) *store.Metadata {
	meta := &store.Metadata{
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Name:      msg.Name,
	}
	if msg.ReplyTo != nil {
		meta.ReplyToUserID = msg.ReplyTo.UserID
		meta.ReplyToUsername = msg.ReplyTo.Username
		meta.ReplyToName = msg.ReplyTo.Name
		meta.ReplyToMessageID = msg.ReplyTo.MessageID
	}
	return meta
}
