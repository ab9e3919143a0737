package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Episode is a sealed, summarised span of turns on one topic.
type Episode struct {
	ID           int64
	ChatID       int64
	ThreadID     int64
	StartTurnID  int64
	EndTurnID    int64
	Participants []int64
	Summary      string
	Topic        string
	Tags         []string
	Importance   float64
	Valence      string // positive, negative, mixed, neutral
	CreatedAt    int64
}

// AddEpisode seals a new episode. Ranges must not overlap; the monitor
// guarantees this by always starting after the previous end id.
func (d *DB) AddEpisode(ctx context.Context, e *Episode) (int64, error) {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Valence == "" {
		e.Valence = "neutral"
	}
	participants, err := json.Marshal(e.Participants)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	res, err := d.Exec(ctx, `
		INSERT INTO episodes (chat_id, thread_id, start_turn_id, end_turn_id, participants, summary, topic, tags, importance, valence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChatID, nullInt(e.ThreadID), e.StartTurnID, e.EndTurnID, string(participants),
		e.Summary, e.Topic, string(tags), e.Importance, e.Valence, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	e.ID = id
	return id, nil
}

// UpdateEpisodeSummary replaces the summary fields of a sealed episode.
// Used when the async summariser finishes after sealing.
func (d *DB) UpdateEpisodeSummary(ctx context.Context, id int64, summary, topic string, tags []string, importance float64, valence string) error {
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	_, err = d.Exec(ctx, `
		UPDATE episodes SET summary = ?, topic = ?, tags = ?, importance = ?, valence = ? WHERE id = ?`,
		summary, topic, string(tagJSON), importance, valence, id)
	return err
}

// LastEpisodeEnd returns the end_turn_id of the most recent episode in a
// chat, or 0 when none exist. Turns after this id form the unsealed tail.
func (d *DB) LastEpisodeEnd(ctx context.Context, chatID int64) (int64, error) {
	var end sql.NullInt64
	err := d.QueryRow(ctx, `SELECT MAX(end_turn_id) FROM episodes WHERE chat_id = ?`, chatID).Scan(&end)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return end.Int64, nil
}

// RecentEpisodes lists the latest sealed episodes for a chat, newest
// first.
func (d *DB) RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]*Episode, error) {
	rows, cancel, err := d.Query(ctx, `
		SELECT id, chat_id, COALESCE(thread_id,0), start_turn_id, end_turn_id, participants, summary, topic, tags, importance, valence, created_at
		FROM episodes WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e := &Episode{}
		var participants, tags string
		if err := rows.Scan(&e.ID, &e.ChatID, &e.ThreadID, &e.StartTurnID, &e.EndTurnID, &participants, &e.Summary, &e.Topic, &tags, &e.Importance, &e.Valence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		_ = json.Unmarshal([]byte(participants), &e.Participants)
		_ = json.Unmarshal([]byte(tags), &e.Tags)
		out = append(out, e)
	}
	return out, rows.Err()
}
