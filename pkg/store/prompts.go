package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Prompt scopes.
const (
	ScopeGlobal   = "global"
	ScopeChat     = "chat"
	ScopePersonal = "personal"
)

// PromptOverride is one stored system-prompt record. At most one row per
// (scope, chat_id) is active at a time.
type PromptOverride struct {
	ID        int64
	Scope     string
	ChatID    int64 // 0 for global scope
	AdminID   int64
	Version   int
	Text      string
	IsActive  bool
	CreatedAt int64
	UpdatedAt int64
}

// SetPrompt stores a new prompt version for the scope and activates it,
// deactivating any previously active row for the same (scope, chat_id).
func (d *DB) SetPrompt(ctx context.Context, scope string, chatID, adminID int64, text string) (*PromptOverride, error) {
	now := time.Now().Unix()
	var out *PromptOverride
	err := d.Tx(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		row := tx.QueryRowContext(ctx, `
			SELECT MAX(version) FROM prompt_overrides WHERE scope = ? AND COALESCE(chat_id,0) = ?`,
			scope, chatID)
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}
		version := int(maxVersion.Int64) + 1

		if _, err := tx.ExecContext(ctx, `
			UPDATE prompt_overrides SET is_active = 0, updated_at = ?
			WHERE scope = ? AND COALESCE(chat_id,0) = ? AND is_active = 1`,
			now, scope, chatID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_overrides (scope, chat_id, admin_id, version, prompt_text, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			scope, nullInt(chatID), adminID, version, text, now, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = &PromptOverride{
			ID: id, Scope: scope, ChatID: chatID, AdminID: adminID,
			Version: version, Text: text, IsActive: true,
			CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	return out, err
}

// ActivePrompt resolves the effective override for a chat: chat scope
// wins over global. Returns nil when no override is active.
func (d *DB) ActivePrompt(ctx context.Context, chatID int64) (*PromptOverride, error) {
	for _, cand := range []struct {
		scope  string
		chatID int64
	}{{ScopeChat, chatID}, {ScopeGlobal, 0}} {
		p, err := d.promptRow(ctx, `
			SELECT id, scope, COALESCE(chat_id,0), admin_id, version, prompt_text, is_active, created_at, updated_at
			FROM prompt_overrides WHERE scope = ? AND COALESCE(chat_id,0) = ? AND is_active = 1
			ORDER BY version DESC LIMIT 1`, cand.scope, cand.chatID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

// ResetPrompt deactivates the active override for (scope, chat).
// Idempotent: resetting with no active row is a no-op.
func (d *DB) ResetPrompt(ctx context.Context, scope string, chatID int64) error {
	_, err := d.Exec(ctx, `
		UPDATE prompt_overrides SET is_active = 0, updated_at = ?
		WHERE scope = ? AND COALESCE(chat_id,0) = ? AND is_active = 1`,
		time.Now().Unix(), scope, chatID)
	return err
}

// PromptHistory lists stored versions for (scope, chat), newest first.
func (d *DB) PromptHistory(ctx context.Context, scope string, chatID int64, limit int) ([]*PromptOverride, error) {
	rows, cancel, err := d.Query(ctx, `
		SELECT id, scope, COALESCE(chat_id,0), admin_id, version, prompt_text, is_active, created_at, updated_at
		FROM prompt_overrides WHERE scope = ? AND COALESCE(chat_id,0) = ?
		ORDER BY version DESC LIMIT ?`, scope, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []*PromptOverride
	for rows.Next() {
		p := &PromptOverride{}
		var active int
		if err := rows.Scan(&p.ID, &p.Scope, &p.ChatID, &p.AdminID, &p.Version, &p.Text, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		p.IsActive = active == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActivatePromptVersion rolls back to a stored version within a scope.
func (d *DB) ActivatePromptVersion(ctx context.Context, scope string, chatID int64, version int) error {
	now := time.Now().Unix()
	return d.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE prompt_overrides SET is_active = 1, updated_at = ?
			WHERE scope = ? AND COALESCE(chat_id,0) = ? AND version = ?`,
			now, scope, chatID, version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("prompt version %d not found", version)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE prompt_overrides SET is_active = 0, updated_at = ?
			WHERE scope = ? AND COALESCE(chat_id,0) = ? AND version != ? AND is_active = 1`,
			now, scope, chatID, version)
		return err
	})
}

func (d *DB) promptRow(ctx context.Context, q string, args ...any) (*PromptOverride, error) {
	p := &PromptOverride{}
	var active int
	err := d.QueryRow(ctx, q, args...).Scan(&p.ID, &p.Scope, &p.ChatID, &p.AdminID, &p.Version, &p.Text, &active, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	p.IsActive = active == 1
	return p, nil
}
