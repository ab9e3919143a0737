package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gryag/pkg/memory"
)

// Memory tools let the model manage the fact store directly. The
// user_id convention: a positive id targets that user's facts, a
// negative id targets the current chat's facts.

func resolveEntity(meta Meta, userID int64) (entityType string, entityID int64) {
	if userID < 0 {
		return memory.EntityChat, meta.ChatID
	}
	return memory.EntityUser, userID
}

// RememberFact stores one observation.
type RememberFact struct {
	Repo *memory.Repository
}

func (t *RememberFact) Name() string { return "remember_fact" }

func (t *RememberFact) Description() string {
	return "Store a fact about a user or the current chat. Use a negative user_id to store a chat-level fact. Duplicate facts reinforce the existing record instead of creating a new one."
}

func (t *RememberFact) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "integer",
				"description": "Telegram user id the fact is about, or a negative value for a chat-level fact",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "One of: personal, preference, skill, trait, opinion, relationship",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "Short attribute name, e.g. 'location' or 'favorite_language'",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "The fact content",
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "How certain the fact is, from 0.0 to 1.0",
			},
		},
		"required": []string{"user_id", "category", "key", "value", "confidence"},
	}
}

func (t *RememberFact) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	userID, ok := argInt64(args, "user_id")
	if !ok {
		return ErrorResult("user_id is required"), nil
	}
	category := strings.TrimSpace(argString(args, "category"))
	key := strings.TrimSpace(argString(args, "key"))
	value := strings.TrimSpace(argString(args, "value"))
	confidence, _ := argFloat(args, "confidence")
	if category == "" || key == "" || value == "" {
		return ErrorResult("category, key and value are all required"), nil
	}
	if confidence < 0 || confidence > 1 {
		return ErrorResult("confidence must be between 0.0 and 1.0"), nil
	}

	entityType, entityID := resolveEntity(meta, userID)
	res, err := t.Repo.AddFact(ctx, &memory.Fact{
		EntityType:  entityType,
		EntityID:    entityID,
		ChatContext: memory.ChatContextFor(meta.ChatID),
		Category:    category,
		Key:         key,
		Value:       value,
		Confidence:  confidence,
	})
	if err != nil {
		return "", err
	}
	return OKResult(map[string]any{"fact_id": res.FactID, "change": res.Change}), nil
}

// RecallFacts reads stored facts back.
type RecallFacts struct {
	Repo *memory.Repository
}

func (t *RecallFacts) Name() string { return "recall_facts" }

func (t *RecallFacts) Description() string {
	return "Retrieve stored facts about a user or the current chat. Use a negative user_id for chat-level facts. Returns the most confident facts first."
}

func (t *RecallFacts) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "integer",
				"description": "Telegram user id, or a negative value for chat-level facts",
			},
			"categories": map[string]any{
				"type":        "string",
				"description": "Optional comma-separated category filter",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum facts to return, default 10, at most 50",
			},
		},
		"required": []string{"user_id"},
	}
}

func (t *RecallFacts) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	userID, ok := argInt64(args, "user_id")
	if !ok {
		return ErrorResult("user_id is required"), nil
	}
	limit := int64(10)
	if n, ok := argInt64(args, "limit"); ok && n > 0 {
		limit = n
	}
	if limit > 50 {
		limit = 50
	}
	var categories []string
	for _, c := range strings.Split(argString(args, "categories"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}

	entityType, entityID := resolveEntity(meta, userID)
	facts, err := t.Repo.GetFacts(ctx, entityType, entityID, memory.ChatContextFor(meta.ChatID), categories, 0, int(limit))
	if err != nil {
		return "", err
	}

	items := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		items = append(items, map[string]any{
			"fact_id":    f.ID,
			"category":   f.Category,
			"key":        f.Key,
			"value":      f.Value,
			"confidence": f.Confidence,
		})
	}
	return OKResult(map[string]any{"count": len(items), "facts": items}), nil
}

// UpdateFact revises an existing fact's value.
type UpdateFact struct {
	Repo *memory.Repository
}

func (t *UpdateFact) Name() string { return "update_fact" }

func (t *UpdateFact) Description() string {
	return "Replace the value of an existing fact when new information supersedes it. The old value is kept in the fact's version history."
}

func (t *UpdateFact) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fact_id": map[string]any{
				"type":        "integer",
				"description": "Id of the fact to update, as returned by recall_facts",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "The new fact content",
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "Certainty of the new value, from 0.0 to 1.0",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the fact changed",
			},
		},
		"required": []string{"fact_id", "value", "confidence"},
	}
}

func (t *UpdateFact) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	factID, ok := argInt64(args, "fact_id")
	if !ok {
		return ErrorResult("fact_id is required"), nil
	}
	value := strings.TrimSpace(argString(args, "value"))
	if value == "" {
		return ErrorResult("value is required"), nil
	}
	confidence, _ := argFloat(args, "confidence")
	if confidence < 0 || confidence > 1 {
		return ErrorResult("confidence must be between 0.0 and 1.0"), nil
	}

	err := t.Repo.UpdateFact(ctx, factID, value, confidence, argString(args, "reason"))
	if errors.Is(err, memory.ErrNotFound) {
		return ErrorResult(fmt.Sprintf("fact %d does not exist", factID)), nil
	}
	if err != nil {
		return "", err
	}
	return OKResult(map[string]any{"fact_id": factID}), nil
}

// ForgetFact soft-deletes a fact addressed by its logical key. A miss,
// including a repeat of a successful forget, reports not_found.
type ForgetFact struct {
	Repo *memory.Repository
}

func (t *ForgetFact) Name() string { return "forget_fact" }

func (t *ForgetFact) Description() string {
	return "Mark a fact as no longer valid, addressed by user, category and key. The fact is archived, not destroyed, and stops appearing in recall results."
}

func (t *ForgetFact) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "integer",
				"description": "Telegram user id the fact is about, or a negative value for a chat-level fact",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "The fact's category, e.g. 'personal' or 'preference'",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "The fact's attribute name, e.g. 'location'",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "One of: outdated, incorrect, superseded, user_requested, other",
			},
		},
		"required": []string{"user_id", "category", "key", "reason"},
	}
}

func (t *ForgetFact) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	userID, ok := argInt64(args, "user_id")
	if !ok {
		return ErrorResult("user_id is required"), nil
	}
	category := strings.TrimSpace(argString(args, "category"))
	key := strings.TrimSpace(argString(args, "key"))
	if category == "" || key == "" {
		return ErrorResult("category and key are both required"), nil
	}

	entityType, entityID := resolveEntity(meta, userID)
	chatCtx := memory.ChatContextFor(meta.ChatID)
	fact, err := t.Repo.FindActiveFact(ctx, entityType, entityID, chatCtx, category, key)
	if err != nil {
		return "", err
	}
	if fact == nil {
		return NotFoundResult(map[string]any{"category": category, "key": key}), nil
	}
	err = t.Repo.ForgetFact(ctx, fact.ID, argString(args, "reason"))
	if errors.Is(err, memory.ErrNotFound) {
		return NotFoundResult(map[string]any{"category": category, "key": key}), nil
	}
	if err != nil {
		return "", err
	}
	return OKResult(map[string]any{"fact_id": fact.ID, "category": category, "key": key}), nil
}
