// Package telegram is the transport layer: a cancellable long-polling
// loop over the Bot API, media download and album buffering on the way
// in, HTML-formatted sends on the way out.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/pipeline"
	"gryag/pkg/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// maxInlineDownload caps how much media is pulled into memory per file.
const maxInlineDownload = 10 << 20

// Callback is one inline-keyboard press, used by the admin pagination.
type Callback struct {
	ID        string
	ChatID    int64
	MessageID int64
	UserID    int64
	Data      string
}

// Handlers is what the channel delivers updates to.
type Handlers interface {
	// HandleMessage processes a regular message.
	HandleMessage(ctx context.Context, msg *pipeline.Incoming)
	// HandleCommand processes a slash command. Returns false when the
	// command is unknown and should fall through to HandleMessage.
	HandleCommand(ctx context.Context, msg *pipeline.Incoming) bool
	// HandleCallback processes an inline-keyboard press.
	HandleCallback(ctx context.Context, cb *Callback)
}

// Channel owns the Bot API connection.
type Channel struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
	handlers   Handlers

	mu          sync.Mutex
	mediaGroups map[string]*mediaGroupBuffer

	convMu   sync.Mutex
	convTail map[convKey]chan struct{}

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// mediaGroupBuffer collects the messages of one Telegram album so the
// pipeline sees a single message with all attachments.
type mediaGroupBuffer struct {
	first  *pipeline.Incoming
	photos []string // file ids, downloaded when the group settles
	timer  *time.Timer
}

// New authorises against the Bot API. The bot's HTTP client is wired to
// a cancel context so Stop() aborts the in-flight long poll instead of
// waiting out its timeout.
func New(token string, handlers Handlers) (*Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	botClient := &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				merged, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-merged.Done():
					}
				}()
				return dialer.DialContext(merged, network, addr)
			},
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, botClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram: authorise: %w", err)
	}
	logging.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &Channel{
		bot:         bot,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		handlers:    handlers,
		mediaGroups: make(map[string]*mediaGroupBuffer),
		convTail:    make(map[convKey]chan struct{}),
		stopCtx:     ctx,
		stopCancel:  cancel,
	}, nil
}

// BotUsername returns the authorised bot's username.
func (c *Channel) BotUsername() string { return c.bot.Self.UserName }

// Run drives the long-poll loop until Stop is called or ctx ends.
func (c *Channel) Run(ctx context.Context) {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCtx.Done():
			return
		default:
		}

		req := tgbotapi.NewUpdate(offset)
		req.Timeout = 60
		updates, err := c.bot.GetUpdates(req)
		if err != nil {
			select {
			case <-c.stopCtx.Done():
				return
			default:
			}
			logging.Warn("get updates failed", zap.Error(err))
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			c.route(ctx, update)
		}
	}
}

// Stop aborts the long poll immediately.
func (c *Channel) Stop() {
	c.stopCancel()
	if httpClient, ok := c.bot.Client.(*http.Client); ok && httpClient != nil {
		if transport, ok := httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

func (c *Channel) route(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		go c.handlers.HandleCallback(ctx, &Callback{
			ID:        cb.ID,
			ChatID:    cb.Message.Chat.ID,
			MessageID: int64(cb.Message.MessageID),
			UserID:    cb.From.ID,
			Data:      cb.Data,
		})
	case update.Message != nil:
		c.routeMessage(ctx, update.Message)
	}
}

func (c *Channel) routeMessage(ctx context.Context, m *tgbotapi.Message) {
	if !incomingAllowed(m) {
		return
	}

	msg := c.convert(m)

	if m.MediaGroupID != "" {
		c.bufferMediaGroup(ctx, m.MediaGroupID, msg, m)
		return
	}

	// Media download happens off the update loop; delivery still waits
	// its turn behind earlier messages of the same conversation.
	c.enqueue(msg.ChatID, msg.ThreadID, func(await func()) {
		msg.Media = c.downloadMedia(m)
		await()
		c.deliver(ctx, msg)
	})
}

// incomingAllowed rejects messages without an author and messages from
// other bots before anything is persisted or triggered.
func incomingAllowed(m *tgbotapi.Message) bool {
	return m.From != nil && !m.From.IsBot
}

type convKey struct {
	chatID   int64
	threadID int64
}

// enqueue chains fn behind the previous message of the same
// conversation. fn may do slow work first and must call await exactly
// once before anything whose order matters, so downloads overlap while
// delivery stays in arrival order.
func (c *Channel) enqueue(chatID, threadID int64, fn func(await func())) {
	key := convKey{chatID: chatID, threadID: threadID}
	c.convMu.Lock()
	prev := c.convTail[key]
	done := make(chan struct{})
	c.convTail[key] = done
	c.convMu.Unlock()

	go func() {
		defer func() {
			close(done)
			c.convMu.Lock()
			if c.convTail[key] == done {
				delete(c.convTail, key)
			}
			c.convMu.Unlock()
		}()
		fn(func() {
			if prev != nil {
				<-prev
			}
		})
	}()
}

func (c *Channel) deliver(ctx context.Context, msg *pipeline.Incoming) {
	if msg.Command != "" && c.handlers.HandleCommand(ctx, msg) {
		return
	}
	c.handlers.HandleMessage(ctx, msg)
}

// convert maps a Bot API message to the pipeline's shape.
func (c *Channel) convert(m *tgbotapi.Message) *pipeline.Incoming {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := &pipeline.Incoming{
		ChatID:    m.Chat.ID,
		MessageID: int64(m.MessageID),
		UserID:    m.From.ID,
		Username:  m.From.UserName,
		Name:      strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Text:      text,
		ChatTitle: m.Chat.Title,
		IsPrivate: m.Chat.IsPrivate(),
		Timestamp: int64(m.Date),
	}

	if m.IsCommand() {
		msg.Command = m.Command()
		msg.CommandArgs = m.CommandArguments()
		full := m.CommandWithAt()
		if at := strings.IndexByte(full, '@'); at >= 0 {
			msg.CommandTarget = full[at+1:]
		}
	}

	if r := m.ReplyToMessage; r != nil && r.From != nil {
		replyText := r.Text
		if replyText == "" {
			replyText = r.Caption
		}
		msg.ReplyTo = &pipeline.ReplyContext{
			MessageID: int64(r.MessageID),
			UserID:    r.From.ID,
			Username:  r.From.UserName,
			Name:      strings.TrimSpace(r.From.FirstName + " " + r.From.LastName),
			Text:      replyText,
			IsBot:     r.From.ID == c.bot.Self.ID,
		}
	}

	for _, entity := range m.Entities {
		if entity.Type == "text_mention" && entity.User != nil {
			msg.MentionedUserIDs = append(msg.MentionedUserIDs, entity.User.ID)
		}
	}
	return msg
}

// downloadMedia pulls the message's attachments into memory. Failures
// drop the attachment and keep the message.
func (c *Channel) downloadMedia(m *tgbotapi.Message) []pipeline.IncomingMedia {
	var out []pipeline.IncomingMedia
	add := func(fileID, kind, mime string) {
		data, err := c.downloadFile(fileID)
		if err != nil {
			logging.Warn("media download failed",
				zap.String("kind", kind), zap.String("file_id", fileID), zap.Error(err))
			return
		}
		out = append(out, pipeline.IncomingMedia{Kind: kind, Mime: mime, Data: data})
	}

	if len(m.Photo) > 0 {
		add(m.Photo[len(m.Photo)-1].FileID, store.MediaImage, "image/jpeg")
	}
	if m.Sticker != nil && !m.Sticker.IsAnimated {
		add(m.Sticker.FileID, store.MediaImage, "image/webp")
	}
	if m.Voice != nil {
		add(m.Voice.FileID, store.MediaAudio, "audio/ogg")
	}
	if m.Audio != nil {
		mime := m.Audio.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
		add(m.Audio.FileID, store.MediaAudio, mime)
	}
	if m.Video != nil {
		mime := m.Video.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		add(m.Video.FileID, store.MediaVideo, mime)
	}
	if m.VideoNote != nil {
		add(m.VideoNote.FileID, store.MediaVideo, "video/mp4")
	}
	if m.Document != nil {
		mime := m.Document.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		add(m.Document.FileID, store.MediaDoc, mime)
	}
	return out
}

func (c *Channel) downloadFile(fileID string) ([]byte, error) {
	info, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	resp, err := c.httpClient.Get(info.Link(c.bot.Token))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineDownload+1))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if len(data) > maxInlineDownload {
		return nil, fmt.Errorf("file exceeds %d bytes", maxInlineDownload)
	}
	return data, nil
}

// bufferMediaGroup accumulates an album and delivers it as one message
// after the group settles for a second.
func (c *Channel) bufferMediaGroup(ctx context.Context, groupID string, msg *pipeline.Incoming, m *tgbotapi.Message) {
	var photoID string
	if len(m.Photo) > 0 {
		photoID = m.Photo[len(m.Photo)-1].FileID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.mediaGroups[groupID]
	if !ok {
		buf = &mediaGroupBuffer{first: msg}
		if photoID != "" {
			buf.photos = append(buf.photos, photoID)
		}
		c.mediaGroups[groupID] = buf
		buf.timer = time.AfterFunc(time.Second, func() { c.flushMediaGroup(ctx, groupID) })
		return
	}

	if msg.Text != "" {
		if buf.first.Text != "" {
			buf.first.Text += "\n" + msg.Text
		} else {
			buf.first.Text = msg.Text
		}
	}
	if photoID != "" {
		buf.photos = append(buf.photos, photoID)
	}
	buf.timer.Reset(time.Second)
}

func (c *Channel) flushMediaGroup(ctx context.Context, groupID string) {
	c.mu.Lock()
	buf, ok := c.mediaGroups[groupID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.mediaGroups, groupID)
	c.mu.Unlock()

	var wg sync.WaitGroup
	media := make([]pipeline.IncomingMedia, len(buf.photos))
	for i, fileID := range buf.photos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.downloadFile(fileID)
			if err != nil {
				logging.Warn("album download failed", zap.String("file_id", fileID), zap.Error(err))
				return
			}
			media[i] = pipeline.IncomingMedia{Kind: store.MediaImage, Mime: "image/jpeg", Data: data}
		}()
	}
	wg.Wait()

	for _, m := range media {
		if len(m.Data) > 0 {
			buf.first.Media = append(buf.first.Media, m)
		}
	}
	c.enqueue(buf.first.ChatID, buf.first.ThreadID, func(await func()) {
		await()
		c.deliver(ctx, buf.first)
	})
}

// SendText delivers one HTML-formatted message. Implements
// pipeline.Responder. Falls back to plain text when Telegram rejects
// the markup.
func (c *Channel) SendText(ctx context.Context, chatID, threadID, replyToMessageID int64, htmlText string) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, htmlText)
	msg.ParseMode = tgbotapi.ModeHTML
	if replyToMessageID != 0 {
		msg.ReplyToMessageID = int(replyToMessageID)
	}
	sent, err := c.bot.Send(msg)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		logging.Warn("HTML parse rejected, resending as plain text", zap.Error(err))
		msg.ParseMode = ""
		sent, err = c.bot.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("telegram: send: %w", err)
	}
	return int64(sent.MessageID), nil
}

// SendTextWithKeyboard sends a message with inline controls. Used by
// the admin pagination.
func (c *Channel) SendTextWithKeyboard(ctx context.Context, chatID, threadID int64, htmlText string, keyboard tgbotapi.InlineKeyboardMarkup) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, htmlText)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = keyboard
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram: send with keyboard: %w", err)
	}
	return int64(sent.MessageID), nil
}

// EditMessage replaces a sent message's text and keyboard in place.
func (c *Channel) EditMessage(ctx context.Context, chatID, messageID int64, htmlText string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageText(chatID, int(messageID), htmlText)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.ReplyMarkup = keyboard
	_, err := c.bot.Send(edit)
	return err
}

// AnswerCallback acknowledges an inline-keyboard press.
func (c *Channel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

// SendPhoto posts an image. Implements the image tools' sender.
func (c *Channel) SendPhoto(ctx context.Context, chatID, threadID int64, data []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.png", Bytes: data})
	photo.Caption = caption
	_, err := c.bot.Send(photo)
	return err
}

// SendPoll posts a native poll. Implements the poll tool's sender.
func (c *Channel) SendPoll(ctx context.Context, chatID, threadID int64, question string, options []string, anonymous, multiple bool) error {
	poll := tgbotapi.NewPoll(chatID, question, options...)
	poll.IsAnonymous = anonymous
	poll.AllowsMultipleAnswers = multiple
	_, err := c.bot.Send(poll)
	return err
}

// SendTyping shows the typing indicator while a reply is generated.
func (c *Channel) SendTyping(chatID int64) {
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		logging.Debug("typing action failed", zap.Error(err))
	}
}

// SendDocument posts a file, used by the admin export command.
func (c *Channel) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	_, err := c.bot.Send(doc)
	return err
}
