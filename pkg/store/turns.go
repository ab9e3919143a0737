package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Roles a turn can carry in the log.
const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// Media part kinds.
const (
	MediaImage   = "image"
	MediaAudio   = "audio"
	MediaVideo   = "video"
	MediaDoc     = "document"
	MediaFileURI = "file-uri"
)

// MediaPart is one attachment carried by a turn. Payload is either inline
// base64 data or a file URI reference, never both.
type MediaPart struct {
	Kind    string `json:"kind"`
	Mime    string `json:"mime"`
	Data    []byte `json:"data,omitempty"`
	FileURI string `json:"file_uri,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Metadata is the structured block prepended to a turn's text stream.
// The field order in the rendered form is fixed; see FormatMetadata.
type Metadata struct {
	ChatID           int64  `json:"chat_id"`
	ThreadID         int64  `json:"thread_id,omitempty"`
	MessageID        int64  `json:"message_id,omitempty"`
	UserID           int64  `json:"user_id"`
	Username         string `json:"username,omitempty"`
	Name             string `json:"name,omitempty"`
	ReplyToUserID    int64  `json:"reply_to_user_id,omitempty"`
	ReplyToUsername  string `json:"reply_to_username,omitempty"`
	ReplyToName      string `json:"reply_to_name,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// Turn is one append-only log entry. Never mutated after insertion.
type Turn struct {
	ID            int64
	ChatID        int64
	ThreadID      int64 // 0 means no thread
	MessageID     int64
	UserID        int64
	Role          string
	Text          string
	Media         []MediaPart
	Meta          *Metadata
	Embedding     []float32
	Timestamp     int64
	RetentionDays int
}

// FormatMetadata renders the bracketed metadata block that is prepended to
// a turn's text. The key order is fixed so the reliable numeric identifier
// always precedes the ambiguous display name. Values are truncated (100
// runes for names/usernames, 120 for the rest) and embedded quotes escaped.
func FormatMetadata(m *Metadata) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[meta]")

	writeInt := func(key string, v int64) {
		if v != 0 {
			fmt.Fprintf(&sb, " %s=\"%d\"", key, v)
		}
	}
	writeStr := func(key, v string, limit int) {
		if v == "" {
			return
		}
		r := []rune(v)
		if len(r) > limit {
			v = string(r[:limit])
		}
		v = strings.ReplaceAll(v, `"`, `\"`)
		fmt.Fprintf(&sb, " %s=%q", key, v)
	}

	fmt.Fprintf(&sb, " chat_id=\"%d\"", m.ChatID)
	writeInt("thread_id", m.ThreadID)
	writeInt("message_id", m.MessageID)
	fmt.Fprintf(&sb, " user_id=\"%d\"", m.UserID)
	writeStr("username", m.Username, 100)
	writeStr("name", m.Name, 100)
	writeInt("reply_to_user_id", m.ReplyToUserID)
	writeStr("reply_to_username", m.ReplyToUsername, 100)
	writeStr("reply_to_name", m.ReplyToName, 100)
	writeInt("reply_to_message_id", m.ReplyToMessageID)
	return sb.String()
}

// FormatMetadataCompact renders the one-line speaker prefix used by the
// compact conversation format. With fullIDs the numeric ids stay in the
// line so the model can still target users reliably; otherwise only the
// display name or username survives.
func FormatMetadataCompact(m *Metadata, fullIDs bool) string {
	if m == nil {
		return ""
	}
	name := m.Name
	if name == "" {
		name = m.Username
	}
	if name == "" {
		name = fmt.Sprintf("user %d", m.UserID)
	}
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	if fullIDs {
		return fmt.Sprintf("%s [%d/%d]:", name, m.UserID, m.MessageID)
	}
	return name + ":"
}

// AddTurn appends a turn to the log and returns its id.
func (d *DB) AddTurn(ctx context.Context, t *Turn) (int64, error) {
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().Unix()
	}
	if t.RetentionDays == 0 {
		t.RetentionDays = 90
	}

	var mediaJSON, metaJSON, embJSON any
	if len(t.Media) > 0 {
		b, err := json.Marshal(t.Media)
		if err != nil {
			return 0, fmt.Errorf("storage_error: marshal media: %w", err)
		}
		mediaJSON = string(b)
	}
	if t.Meta != nil {
		b, err := json.Marshal(t.Meta)
		if err != nil {
			return 0, fmt.Errorf("storage_error: marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}
	if len(t.Embedding) > 0 {
		b, err := json.Marshal(t.Embedding)
		if err != nil {
			return 0, fmt.Errorf("storage_error: marshal embedding: %w", err)
		}
		embJSON = string(b)
	}

	res, err := d.Exec(ctx, `
		INSERT INTO turns (chat_id, thread_id, message_id, user_id, role, text, media, metadata, embedding, ts, retention_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ChatID, nullInt(t.ThreadID), nullInt(t.MessageID), t.UserID, t.Role, t.Text,
		mediaJSON, metaJSON, embJSON, t.Timestamp, t.RetentionDays)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	t.ID = id
	return id, nil
}

// UpdateTurnEmbedding backfills the embedding of a stored turn. Used by
// the async embedding path after the turn is already persisted.
func (d *DB) UpdateTurnEmbedding(ctx context.Context, turnID int64, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	b, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("storage_error: marshal embedding: %w", err)
	}
	_, err = d.Exec(ctx, `UPDATE turns SET embedding = ? WHERE id = ?`, string(b), turnID)
	return err
}

// Recent returns the last maxTurns turns for a chat (optionally a thread),
// oldest first.
func (d *DB) Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]*Turn, error) {
	q := `SELECT id, chat_id, COALESCE(thread_id,0), COALESCE(message_id,0), user_id, role, text, media, metadata, embedding, ts, retention_days
	      FROM turns WHERE chat_id = ?`
	args := []any{chatID}
	if threadID != 0 {
		q += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	q += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, maxTurns)

	turns, err := d.queryTurns(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnByMessageID locates a turn by its platform message id within a chat.
func (d *DB) TurnByMessageID(ctx context.Context, chatID, messageID int64) (*Turn, error) {
	turns, err := d.queryTurns(ctx, `
		SELECT id, chat_id, COALESCE(thread_id,0), COALESCE(message_id,0), user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM turns WHERE chat_id = ? AND message_id = ? ORDER BY id DESC LIMIT 1`, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns[0], nil
}

// TurnsInRange returns turns with id in [startID, endID] for a chat,
// chronological. Used by the episode summariser.
func (d *DB) TurnsInRange(ctx context.Context, chatID, startID, endID int64) ([]*Turn, error) {
	return d.queryTurns(ctx, `
		SELECT id, chat_id, COALESCE(thread_id,0), COALESCE(message_id,0), user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM turns WHERE chat_id = ? AND id >= ? AND id <= ? ORDER BY id`, chatID, startID, endID)
}

// TurnsAfter returns turns newer than afterID for a chat, chronological.
func (d *DB) TurnsAfter(ctx context.Context, chatID, afterID int64, limit int) ([]*Turn, error) {
	return d.queryTurns(ctx, `
		SELECT id, chat_id, COALESCE(thread_id,0), COALESCE(message_id,0), user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM turns WHERE chat_id = ? AND id > ? ORDER BY id LIMIT ?`, chatID, afterID, limit)
}

// KeywordHit is one full-text match with its raw BM25 rank (lower is
// better in SQLite; callers normalise).
type KeywordHit struct {
	Turn *Turn
	Rank float64
}

// SearchKeyword runs an FTS5 query over the chat's turns. The query text
// is sanitised into a bag of quoted terms so user punctuation cannot break
// the MATCH grammar.
func (d *DB) SearchKeyword(ctx context.Context, chatID int64, query string, limit int) ([]KeywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, cancel, err := d.Query(ctx, `
		SELECT t.id, t.chat_id, COALESCE(t.thread_id,0), COALESCE(t.message_id,0), t.user_id, t.role, t.text, t.media, t.metadata, t.embedding, t.ts, t.retention_days,
		       bm25(turns_fts) AS rank
		FROM turns_fts
		JOIN turns t ON t.id = turns_fts.rowid
		WHERE turns_fts MATCH ? AND t.chat_id = ?
		ORDER BY rank LIMIT ?`, match, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		t, rank, err := scanTurnWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		hits = append(hits, KeywordHit{Turn: t, Rank: rank})
	}
	return hits, rows.Err()
}

// RecentWithEmbeddings returns up to limit recent chat turns that carry an
// embedding, newest first. Candidate source for the semantic leg of the
// hybrid retriever.
func (d *DB) RecentWithEmbeddings(ctx context.Context, chatID int64, limit int) ([]*Turn, error) {
	return d.queryTurns(ctx, `
		SELECT id, chat_id, COALESCE(thread_id,0), COALESCE(message_id,0), user_id, role, text, media, metadata, embedding, ts, retention_days
		FROM turns WHERE chat_id = ? AND embedding IS NOT NULL
		ORDER BY ts DESC, id DESC LIMIT ?`, chatID, limit)
}

// PruneOld deletes turns past their retention window unless they score as
// important or sit inside an unsealed tail (protected from afterID up).
// Returns the number of rows removed.
func (d *DB) PruneOld(ctx context.Context, now time.Time, protectAfterID func(chatID int64) int64) (int64, error) {
	rows, cancel, err := d.Query(ctx, `
		SELECT id, chat_id, text, media, ts, retention_days FROM turns
		WHERE ts < ? - retention_days * 86400`, now.Unix())
	if err != nil {
		return 0, err
	}
	defer cancel()

	type cand struct {
		id     int64
		chatID int64
	}
	var doomed []cand
	for rows.Next() {
		var id, chatID, ts int64
		var retention int
		var text string
		var media sql.NullString
		if err := rows.Scan(&id, &chatID, &text, &media, &ts, &retention); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage_error: %w", err)
		}
		if importanceScore(text, media.Valid && media.String != "") >= importanceKeepThreshold {
			continue
		}
		if protectAfterID != nil && id > protectAfterID(chatID) {
			continue // part of an unsealed episode tail
		}
		doomed = append(doomed, cand{id: id, chatID: chatID})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}

	var removed int64
	for _, c := range doomed {
		res, err := d.Exec(ctx, `DELETE FROM turns WHERE id = ?`, c.id)
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}

const importanceKeepThreshold = 0.7

// importanceScore is the lightweight keep-or-drop scorer used by the
// retention pruner. Long texts and media-bearing turns survive longer.
// A turn over a hundred words clears the keep threshold on its own.
func importanceScore(text string, hasMedia bool) float64 {
	score := 0.0
	words := len(strings.Fields(text))
	switch {
	case words > 100:
		score += importanceKeepThreshold
	case words > 30:
		score += 0.3
	case words > 10:
		score += 0.1
	}
	if hasMedia {
		score += 0.3
	}
	if strings.Contains(text, "http://") || strings.Contains(text, "https://") {
		score += 0.2
	}
	return score
}

// BanUser sets the persistent banned flag for (chat, user).
func (d *DB) BanUser(ctx context.Context, chatID, userID int64) error {
	_, err := d.Exec(ctx, `
		INSERT INTO bans (chat_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID, time.Now().Unix())
	return err
}

// UnbanUser clears the banned flag. Idempotent.
func (d *DB) UnbanUser(ctx context.Context, chatID, userID int64) error {
	_, err := d.Exec(ctx, `DELETE FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// IsBanned reports the banned flag for (chat, user).
func (d *DB) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	var n int
	err := d.QueryRow(ctx, `SELECT COUNT(*) FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage_error: %w", err)
	}
	return n > 0, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(sc rowScanner) (*Turn, error) {
	t := &Turn{}
	var media, meta, emb sql.NullString
	if err := sc.Scan(&t.ID, &t.ChatID, &t.ThreadID, &t.MessageID, &t.UserID, &t.Role,
		&t.Text, &media, &meta, &emb, &t.Timestamp, &t.RetentionDays); err != nil {
		return nil, err
	}
	if media.Valid && media.String != "" {
		_ = json.Unmarshal([]byte(media.String), &t.Media)
	}
	if meta.Valid && meta.String != "" {
		t.Meta = &Metadata{}
		_ = json.Unmarshal([]byte(meta.String), t.Meta)
	}
	if emb.Valid && emb.String != "" {
		_ = json.Unmarshal([]byte(emb.String), &t.Embedding)
	}
	return t, nil
}

func scanTurnWithRank(sc rowScanner) (*Turn, float64, error) {
	t := &Turn{}
	var media, meta, emb sql.NullString
	var rank float64
	if err := sc.Scan(&t.ID, &t.ChatID, &t.ThreadID, &t.MessageID, &t.UserID, &t.Role,
		&t.Text, &media, &meta, &emb, &t.Timestamp, &t.RetentionDays, &rank); err != nil {
		return nil, 0, err
	}
	if media.Valid && media.String != "" {
		_ = json.Unmarshal([]byte(media.String), &t.Media)
	}
	if meta.Valid && meta.String != "" {
		t.Meta = &Metadata{}
		_ = json.Unmarshal([]byte(meta.String), t.Meta)
	}
	if emb.Valid && emb.String != "" {
		_ = json.Unmarshal([]byte(emb.String), &t.Embedding)
	}
	return t, rank, nil
}

func (d *DB) queryTurns(ctx context.Context, q string, args ...any) ([]*Turn, error) {
	rows, cancel, err := d.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	return out, nil
}

// ftsQuery turns free text into a safe FTS5 MATCH expression: each term is
// double-quoted, terms implicitly ANDed by OR for recall.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		f = strings.ReplaceAll(f, `"`, ``)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
