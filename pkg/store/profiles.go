package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserProfile is the derived projection of what the bot knows about a
// user outside the fact store: display fields and interaction stats plus
// a periodically regenerated textual summary.
type UserProfile struct {
	UserID           int64
	DisplayName      string
	Username         string
	Pronouns         string
	Membership       string
	InteractionCount int64
	LastSeen         int64
	Summary          string
	SummaryUpdated   int64
}

// ChatProfile mirrors UserProfile for group chats.
type ChatProfile struct {
	ChatID           int64
	Title            string
	InteractionCount int64
	LastSeen         int64
	Summary          string
	SummaryUpdated   int64
	DonationOptOut   bool
}

// TouchUserProfile upserts display fields and bumps interaction stats.
// Called on every processed message, so it must stay cheap.
func (d *DB) TouchUserProfile(ctx context.Context, userID int64, displayName, username string) error {
	now := time.Now().Unix()
	_, err := d.Exec(ctx, `
		INSERT INTO user_profiles (user_id, display_name, username, interaction_count, last_seen)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			interaction_count = interaction_count + 1,
			last_seen = excluded.last_seen`,
		userID, displayName, username, now)
	return err
}

// TouchChatProfile upserts the chat title and bumps interaction stats.
func (d *DB) TouchChatProfile(ctx context.Context, chatID int64, title string) error {
	now := time.Now().Unix()
	_, err := d.Exec(ctx, `
		INSERT INTO chat_profiles (chat_id, title, interaction_count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			title = excluded.title,
			interaction_count = interaction_count + 1,
			last_seen = excluded.last_seen`,
		chatID, title, now)
	return err
}

// UserProfileByID fetches one profile; nil when unknown.
func (d *DB) UserProfileByID(ctx context.Context, userID int64) (*UserProfile, error) {
	p := &UserProfile{}
	var name, username, pronouns sql.NullString
	err := d.QueryRow(ctx, `
		SELECT user_id, display_name, username, pronouns, membership, interaction_count, last_seen, summary, summary_updated
		FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &name, &username, &pronouns, &p.Membership, &p.InteractionCount, &p.LastSeen, &p.Summary, &p.SummaryUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	p.DisplayName, p.Username, p.Pronouns = name.String, username.String, pronouns.String
	return p, nil
}

// ChatProfileByID fetches one chat profile; nil when unknown.
func (d *DB) ChatProfileByID(ctx context.Context, chatID int64) (*ChatProfile, error) {
	p := &ChatProfile{}
	var title sql.NullString
	var optout int
	err := d.QueryRow(ctx, `
		SELECT chat_id, title, interaction_count, last_seen, summary, summary_updated, donation_optout
		FROM chat_profiles WHERE chat_id = ?`, chatID).
		Scan(&p.ChatID, &title, &p.InteractionCount, &p.LastSeen, &p.Summary, &p.SummaryUpdated, &optout)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	p.Title = title.String
	p.DonationOptOut = optout == 1
	return p, nil
}

// SetUserSummary stores a regenerated profile summary.
func (d *DB) SetUserSummary(ctx context.Context, userID int64, summary string) error {
	_, err := d.Exec(ctx, `
		UPDATE user_profiles SET summary = ?, summary_updated = ? WHERE user_id = ?`,
		summary, time.Now().Unix(), userID)
	return err
}

// StaleProfiles returns user ids whose summary is older than maxAge and
// who have been active since it was written.
func (d *DB) StaleProfiles(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	rows, cancel, err := d.Query(ctx, `
		SELECT user_id FROM user_profiles
		WHERE summary_updated < ? AND last_seen > summary_updated
		ORDER BY last_seen DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ActiveChats returns chats seen since the cutoff, for background loops
// that iterate per chat.
func (d *DB) ActiveChats(ctx context.Context, since time.Time) ([]int64, error) {
	rows, cancel, err := d.Query(ctx, `
		SELECT chat_id FROM chat_profiles WHERE last_seen >= ?`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ImageQuotaUsed returns today's consumed image generations for a user.
func (d *DB) ImageQuotaUsed(ctx context.Context, userID int64, day string) (int, error) {
	var used int
	err := d.QueryRow(ctx, `SELECT COALESCE(used, 0) FROM image_quota WHERE user_id = ? AND day = ?`, userID, day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return used, nil
}

// ConsumeImageQuota increments the daily counter. Called only after a
// successful generation; failures never decrement the user's allowance.
func (d *DB) ConsumeImageQuota(ctx context.Context, userID int64, day string) error {
	_, err := d.Exec(ctx, `
		INSERT INTO image_quota (user_id, day, used) VALUES (?, ?, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET used = used + 1`, userID, day)
	return err
}

// RecordOutcome stores one self-learning signal. The table is isolated so
// the whole subsystem can be disabled without touching core state.
func (d *DB) RecordOutcome(ctx context.Context, chatID, turnID int64, signal string, score float64) error {
	_, err := d.Exec(ctx, `
		INSERT INTO bot_outcomes (chat_id, turn_id, signal, score, created_at)
		VALUES (?, ?, ?, ?, ?)`, chatID, turnID, signal, score, time.Now().Unix())
	return err
}

// OutcomeStats aggregates self-learning signals per chat for the
// /gryaginsights surface.
func (d *DB) OutcomeStats(ctx context.Context, chatID int64) (count int64, avgScore float64, err error) {
	err = d.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(score), 0) FROM bot_outcomes WHERE chat_id = ?`, chatID).
		Scan(&count, &avgScore)
	if err != nil {
		err = fmt.Errorf("storage_error: %w", err)
	}
	return
}
