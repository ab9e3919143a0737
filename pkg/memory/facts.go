// Package memory is the unified fact store: discrete knowledge triples
// about users and chats with confidence, evidence and full version
// history. All fact writes in the system go through this package, whether
// they originate from admin commands or from the LLM's memory tools.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/store"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entity types a fact can attach to.
const (
	EntityUser = "user"
	EntityChat = "chat"
)

// ChatContextGlobal is the sentinel chat context for globally scoped facts.
const ChatContextGlobal = "global"

// Version record change types.
const (
	ChangeCreation      = "creation"
	ChangeReinforcement = "reinforcement"
	ChangeEvolution     = "evolution"
	ChangeCorrection    = "correction"
	ChangeDeletion      = "deletion"
)

// Forget reasons accepted by ForgetFact.
var forgetReasons = map[string]bool{
	"outdated":       true,
	"incorrect":      true,
	"superseded":     true,
	"user_requested": true,
}

// reactivateThreshold: an inactive row is revived as a correction only
// when the new observation is at least this confident.
const reactivateThreshold = 0.7

// ErrNotFound is returned when the referenced fact does not exist or is
// already inactive. Forgetting is idempotent, so callers translate this
// into a not_found status rather than an error reply.
var ErrNotFound = errors.New("fact not found")

// Fact is one knowledge triple with bookkeeping.
type Fact struct {
	ID            int64   `json:"id"`
	EntityType    string  `json:"entity_type"`
	EntityID      int64   `json:"entity_id"`
	ChatContext   string  `json:"chat_context"`
	Category      string  `json:"category"`
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Evidence      string  `json:"evidence,omitempty"`
	IsActive      bool    `json:"is_active"`
	EvidenceCount int     `json:"evidence_count"`
	Legacy        bool    `json:"legacy,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	Embedding     []float32 `json:"-"`
}

// Repository provides unified read/write over facts.
type Repository struct {
	db *store.DB
}

// NewRepository wires the fact repository over the shared store.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// ChatContextFor renders the chat-context column value for a chat id.
func ChatContextFor(chatID int64) string {
	if chatID == 0 {
		return ChatContextGlobal
	}
	return fmt.Sprintf("%d", chatID)
}

// AddResult describes what AddFact did with the observation.
type AddResult struct {
	FactID int64
	Change string // one of the Change* constants
}

// AddFact records an observation. Dedup runs over the normalised value:
// a matching active row is reinforced (weighted-average confidence,
// evidence_count++), a matching inactive row is reactivated as a
// correction when the new confidence clears the threshold, and otherwise
// a fresh active row is created. Every path emits a version record.
func (r *Repository) AddFact(ctx context.Context, f *Fact) (*AddResult, error) {
	f.Category = Normalize(f.Category)
	f.Key = Normalize(f.Key)
	normValue := Normalize(f.Value)
	if f.ChatContext == "" {
		f.ChatContext = ChatContextGlobal
	}
	if f.Confidence <= 0 {
		f.Confidence = 0.5
	}
	now := time.Now().Unix()

	// Dedup lookup over (entity, chat_context, category, key, normalised value).
	existing, err := r.lookup(ctx, f.EntityType, f.EntityID, f.ChatContext, f.Category, f.Key, normValue)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.IsActive {
		// Reinforcement: weighted average biased toward accumulated evidence.
		n := float64(existing.EvidenceCount)
		merged := (existing.Confidence*n + f.Confidence) / (n + 1)
		_, err := r.db.Exec(ctx, `
			UPDATE facts SET fact_value = ?, confidence = ?, evidence = COALESCE(NULLIF(?, ''), evidence),
				evidence_count = evidence_count + 1, updated_at = ?
			WHERE id = ?`, f.Value, merged, f.Evidence, now, existing.ID)
		if err != nil {
			return nil, err
		}
		if err := r.writeVersion(ctx, existing.ID, ChangeReinforcement, existing.Value, f.Value, ""); err != nil {
			return nil, err
		}
		return &AddResult{FactID: existing.ID, Change: ChangeReinforcement}, nil
	}

	if existing != nil && !existing.IsActive && f.Confidence >= reactivateThreshold {
		// Correction: the fact was forgotten but a confident observation revives it.
		_, err := r.db.Exec(ctx, `
			UPDATE facts SET is_active = 1, fact_value = ?, confidence = ?, evidence = ?, updated_at = ?
			WHERE id = ?`, f.Value, f.Confidence, f.Evidence, now, existing.ID)
		if err != nil {
			return nil, err
		}
		if err := r.writeVersion(ctx, existing.ID, ChangeCorrection, existing.Value, f.Value, ""); err != nil {
			return nil, err
		}
		return &AddResult{FactID: existing.ID, Change: ChangeCorrection}, nil
	}

	var embJSON any
	if len(f.Embedding) > 0 {
		if b, err := json.Marshal(f.Embedding); err == nil {
			embJSON = string(b)
		}
	}
	res, err := r.db.Exec(ctx, `
		INSERT INTO facts (entity_type, entity_id, chat_context, category, fact_key, fact_value, confidence, evidence, is_active, evidence_count, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?, ?)`,
		f.EntityType, f.EntityID, f.ChatContext, f.Category, f.Key, f.Value, f.Confidence, f.Evidence, embJSON, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	f.ID = id
	if err := r.writeVersion(ctx, id, ChangeCreation, "", f.Value, ""); err != nil {
		return nil, err
	}
	return &AddResult{FactID: id, Change: ChangeCreation}, nil
}

// GetFacts returns active facts for the entity, ordered by confidence
// desc then updated_at desc. Legacy user_facts rows are unioned into the
// result tagged Legacy=true; they are read-only.
func (r *Repository) GetFacts(ctx context.Context, entityType string, entityID int64, chatContext string, categories []string, minConfidence float64, limit int) ([]*Fact, error) {
	if chatContext == "" {
		chatContext = ChatContextGlobal
	}
	q := `SELECT id, entity_type, entity_id, chat_context, category, fact_key, fact_value, confidence, COALESCE(evidence,''), evidence_count, created_at, updated_at
	      FROM facts WHERE entity_type = ? AND entity_id = ? AND chat_context IN (?, 'global') AND is_active = 1 AND confidence >= ?`
	args := []any{entityType, entityID, chatContext, minConfidence}
	if len(categories) > 0 {
		placeholders := strings.Repeat("?,", len(categories))
		q += ` AND category IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, c := range categories {
			args = append(args, Normalize(c))
		}
	}
	q += ` ORDER BY confidence DESC, updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, cancel, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f := &Fact{IsActive: true}
		if err := rows.Scan(&f.ID, &f.EntityType, &f.EntityID, &f.ChatContext, &f.Category, &f.Key, &f.Value, &f.Confidence, &f.Evidence, &f.EvidenceCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}

	if entityType == EntityUser && len(out) < limit {
		legacy, err := r.legacyFacts(ctx, entityID, limit-len(out))
		if err != nil {
			// The shim must never break the primary read path.
			logging.Warn("legacy fact shim failed", zap.Int64("user_id", entityID), zap.Error(err))
		} else {
			out = append(out, legacy...)
		}
	}
	return out, nil
}

// FactByID fetches one row regardless of active flag; nil when absent.
func (r *Repository) FactByID(ctx context.Context, id int64) (*Fact, error) {
	f := &Fact{}
	var active int
	err := r.db.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, chat_context, category, fact_key, fact_value, confidence, COALESCE(evidence,''), is_active, evidence_count, created_at, updated_at
		FROM facts WHERE id = ?`, id).
		Scan(&f.ID, &f.EntityType, &f.EntityID, &f.ChatContext, &f.Category, &f.Key, &f.Value, &f.Confidence, &f.Evidence, &active, &f.EvidenceCount, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	f.IsActive = active == 1
	return f, nil
}

// UpdateFact evolves the row's value and/or confidence, emitting an
// evolution version record.
func (r *Repository) UpdateFact(ctx context.Context, id int64, newValue string, newConfidence float64, reason string) error {
	existing, err := r.FactByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || !existing.IsActive {
		return ErrNotFound
	}
	value := existing.Value
	if newValue != "" {
		value = newValue
	}
	confidence := existing.Confidence
	if newConfidence > 0 {
		confidence = newConfidence
	}
	_, err = r.db.Exec(ctx, `
		UPDATE facts SET fact_value = ?, confidence = ?, updated_at = ? WHERE id = ?`,
		value, confidence, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return r.writeVersion(ctx, id, ChangeEvolution, existing.Value, value, reason)
}

// ForgetFact soft-deletes the row. Idempotent: forgetting an absent or
// already-inactive fact returns ErrNotFound without changing state.
func (r *Repository) ForgetFact(ctx context.Context, id int64, reason string) error {
	if !forgetReasons[reason] {
		reason = "user_requested"
	}
	existing, err := r.FactByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || !existing.IsActive {
		return ErrNotFound
	}
	_, err = r.db.Exec(ctx, `
		UPDATE facts SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return r.writeVersion(ctx, id, ChangeDeletion, existing.Value, "", reason)
}

// FindActiveFact resolves a fact by its logical key for tool handlers
// that address facts by (category, key) rather than id.
func (r *Repository) FindActiveFact(ctx context.Context, entityType string, entityID int64, chatContext, category, key string) (*Fact, error) {
	if chatContext == "" {
		chatContext = ChatContextGlobal
	}
	f := &Fact{IsActive: true}
	err := r.db.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, chat_context, category, fact_key, fact_value, confidence, COALESCE(evidence,''), evidence_count, created_at, updated_at
		FROM facts WHERE entity_type = ? AND entity_id = ? AND chat_context = ? AND category = ? AND fact_key = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`,
		entityType, entityID, chatContext, Normalize(category), Normalize(key)).
		Scan(&f.ID, &f.EntityType, &f.EntityID, &f.ChatContext, &f.Category, &f.Key, &f.Value, &f.Confidence, &f.Evidence, &f.EvidenceCount, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	return f, nil
}

// ForgetAllForEntity bulk soft-deletes every active fact for an entity.
// Returns the number of rows deactivated. Used by /gryagforget.
func (r *Repository) ForgetAllForEntity(ctx context.Context, entityType string, entityID int64, chatContext, reason string) (int64, error) {
	if chatContext == "" {
		chatContext = ChatContextGlobal
	}
	ids, err := r.activeIDs(ctx, entityType, entityID, chatContext)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if err := r.ForgetFact(ctx, id, reason); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// Versions lists the change history of a fact, oldest first.
func (r *Repository) Versions(ctx context.Context, factID int64) ([]Version, error) {
	rows, cancel, err := r.db.Query(ctx, `
		SELECT id, fact_id, change_type, COALESCE(old_value,''), COALESCE(new_value,''), COALESCE(reason,''), created_at
		FROM fact_versions WHERE fact_id = ? ORDER BY id`, factID)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.FactID, &v.ChangeType, &v.OldValue, &v.NewValue, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Version is one row of a fact's change history.
type Version struct {
	ID         int64
	FactID     int64
	ChangeType string
	OldValue   string
	NewValue   string
	Reason     string
	CreatedAt  int64
}

func (r *Repository) writeVersion(ctx context.Context, factID int64, changeType, oldValue, newValue, reason string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO fact_versions (fact_id, change_type, old_value, new_value, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		factID, changeType, oldValue, newValue, reason, time.Now().Unix())
	return err
}

// lookup finds any row (active or not) matching the collision key
// (entity, chat_context, category, key, normalised value). Active rows
// win over inactive ones.
func (r *Repository) lookup(ctx context.Context, entityType string, entityID int64, chatContext, category, key, normValue string) (*Fact, error) {
	rows, cancel, err := r.db.Query(ctx, `
		SELECT id, fact_value, confidence, is_active, evidence_count
		FROM facts WHERE entity_type = ? AND entity_id = ? AND chat_context = ? AND category = ? AND fact_key = ?
		ORDER BY is_active DESC, updated_at DESC`,
		entityType, entityID, chatContext, category, key)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	for rows.Next() {
		f := &Fact{EntityType: entityType, EntityID: entityID, ChatContext: chatContext, Category: category, Key: key}
		var active int
		if err := rows.Scan(&f.ID, &f.Value, &f.Confidence, &active, &f.EvidenceCount); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		f.IsActive = active == 1
		if Normalize(f.Value) == normValue {
			return f, nil
		}
	}
	return nil, rows.Err()
}

func (r *Repository) activeIDs(ctx context.Context, entityType string, entityID int64, chatContext string) ([]int64, error) {
	rows, cancel, err := r.db.Query(ctx, `
		SELECT id FROM facts WHERE entity_type = ? AND entity_id = ? AND chat_context = ? AND is_active = 1`,
		entityType, entityID, chatContext)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// legacyFacts surfaces rows from the pre-unification user_facts table.
// New writes never land here; the shim only reads.
func (r *Repository) legacyFacts(ctx context.Context, userID int64, limit int) ([]*Fact, error) {
	rows, cancel, err := r.db.Query(ctx, `
		SELECT id, fact_type, fact_key, fact_value, confidence, created_at
		FROM user_facts WHERE user_id = ? ORDER BY confidence DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f := &Fact{EntityType: EntityUser, EntityID: userID, ChatContext: ChatContextGlobal, IsActive: true, Legacy: true, EvidenceCount: 1}
		if err := rows.Scan(&f.ID, &f.Category, &f.Key, &f.Value, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		f.UpdatedAt = f.CreatedAt
		out = append(out, f)
	}
	return out, rows.Err()
}

// FormatFactsDigest renders a compact bullet list of facts for prompt
// injection (background context layer).
func FormatFactsDigest(label string, facts []*Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", label)
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", f.Category, f.Key, f.Value)
	}
	return sb.String()
}
