package contextwin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/retrieval"
	"gryag/pkg/store"

	"go.uber.org/zap"
)

// Layer budget proportions. Each layer's share of the total budget is a
// hard ceiling; layers may underfill and the surplus is not redistributed.
const (
	shareImmediate = 0.20
	shareRecent    = 0.30
	shareRelevant  = 0.25
	shareBackground = 0.15
	shareEpisodic  = 0.10
)

const (
	immediateTurns = 8
	recentTurns    = 30
	relevantTurns  = 12
	episodeCount   = 3
	factsPerUser   = 10
)

// Assembler composes the five-layer context window. Any single layer's
// data-source failure yields an empty layer; only total failure triggers
// the caller's truncation fallback.
type Assembler struct {
	db        *store.DB
	facts     *memory.Repository
	retriever *retrieval.Retriever

	fallbacks atomic.Uint64 // telemetry: times the layered path failed entirely
}

// NewAssembler wires the assembler over its data sources. The retriever
// may be nil (hybrid search disabled); the relevant layer is then empty.
func NewAssembler(db *store.DB, facts *memory.Repository, retriever *retrieval.Retriever) *Assembler {
	return &Assembler{db: db, facts: facts, retriever: retriever}
}

// FallbackCount reports how many times assembly fell back to plain
// recency truncation.
func (a *Assembler) FallbackCount() uint64 { return a.fallbacks.Load() }

// Request carries everything Assemble needs to build one window.
type Request struct {
	ChatID         int64
	ThreadID       int64
	UserID         int64
	MentionedUsers []int64 // other users named in the current message
	QueryText      string  // current message text, drives the relevant layer
	TokenBudget    int
}

// Assemble returns the layered turn list, oldest first, never exceeding
// the budget. On total failure or an empty result the caller falls back
// to Fallback().
func (a *Assembler) Assemble(ctx context.Context, req Request) ([]*store.Turn, error) {
	if req.TokenBudget <= 0 {
		return nil, fmt.Errorf("context assembly: non-positive token budget")
	}

	seen := make(map[int64]bool)

	immediate := a.layerImmediate(ctx, req, seen)
	recent := a.layerRecent(ctx, req, seen)
	relevant := a.layerRelevant(ctx, req, seen)
	background := a.layerBackground(ctx, req)
	episodic := a.layerEpisodic(ctx, req)

	// Final order: synthetic context first (episodic, background,
	// relevant), then the chronological tail (recent + immediate).
	var out []*store.Turn
	out = append(out, episodic...)
	out = append(out, background...)
	out = append(out, relevant...)
	chronological := append(append([]*store.Turn{}, recent...), immediate...)
	sort.SliceStable(chronological, func(i, j int) bool {
		if chronological[i].Timestamp != chronological[j].Timestamp {
			return chronological[i].Timestamp < chronological[j].Timestamp
		}
		return chronological[i].ID < chronological[j].ID
	})
	out = append(out, chronological...)

	if len(out) == 0 {
		return nil, fmt.Errorf("context assembly produced no turns")
	}
	return out, nil
}

// Fallback is the plain path: recent turns trimmed from the head to fit
// the budget. Also bumps the telemetry counter.
func (a *Assembler) Fallback(ctx context.Context, req Request, maxTurns int) ([]*store.Turn, error) {
	a.fallbacks.Add(1)
	logging.Warn("context assembly fell back to recency truncation", zap.Int64("chat_id", req.ChatID))
	turns, err := a.db.Recent(ctx, req.ChatID, req.ThreadID, maxTurns)
	if err != nil {
		return nil, err
	}
	return TruncateToTokens(turns, req.TokenBudget), nil
}

// layerImmediate: last few turns in this chat+thread.
func (a *Assembler) layerImmediate(ctx context.Context, req Request, seen map[int64]bool) []*store.Turn {
	budget := int(float64(req.TokenBudget) * shareImmediate)
	turns, err := a.db.Recent(ctx, req.ChatID, req.ThreadID, immediateTurns)
	if err != nil {
		logging.Warn("immediate layer failed", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		return nil
	}
	return fitChronological(turns, budget, seen)
}

// layerRecent: further-back turns across the chat (ignores thread).
func (a *Assembler) layerRecent(ctx context.Context, req Request, seen map[int64]bool) []*store.Turn {
	budget := int(float64(req.TokenBudget) * shareRecent)
	turns, err := a.db.Recent(ctx, req.ChatID, 0, recentTurns)
	if err != nil {
		logging.Warn("recent layer failed", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		return nil
	}
	return fitChronological(turns, budget, seen)
}

// layerRelevant: hybrid-retrieved turns not already present.
func (a *Assembler) layerRelevant(ctx context.Context, req Request, seen map[int64]bool) []*store.Turn {
	if a.retriever == nil || strings.TrimSpace(req.QueryText) == "" {
		return nil
	}
	budget := int(float64(req.TokenBudget) * shareRelevant)
	results, err := a.retriever.Search(ctx, req.ChatID, req.QueryText, relevantTurns)
	if err != nil {
		logging.Warn("relevant layer failed", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		return nil
	}
	var out []*store.Turn
	used := 0
	for _, r := range results {
		if seen[r.Turn.ID] {
			continue
		}
		cost := EstimateTurn(r.Turn)
		if used+cost > budget {
			continue
		}
		seen[r.Turn.ID] = true
		used += cost
		out = append(out, r.Turn)
	}
	return out
}

// layerBackground: compact fact digest for the current and mentioned
// users plus the chat itself, as one synthetic system turn.
func (a *Assembler) layerBackground(ctx context.Context, req Request) []*store.Turn {
	budget := int(float64(req.TokenBudget) * shareBackground)
	chatCtx := memory.ChatContextFor(req.ChatID)

	var sb strings.Builder
	appendDigest := func(label string, entityType string, entityID int64) {
		facts, err := a.facts.GetFacts(ctx, entityType, entityID, chatCtx, nil, 0.3, factsPerUser)
		if err != nil {
			logging.Warn("background layer facts failed", zap.String("entity", label), zap.Error(err))
			return
		}
		sb.WriteString(memory.FormatFactsDigest(label, facts))
	}

	appendDigest(fmt.Sprintf("Known about user %d", req.UserID), memory.EntityUser, req.UserID)
	for _, uid := range req.MentionedUsers {
		if uid == req.UserID {
			continue
		}
		appendDigest(fmt.Sprintf("Known about user %d", uid), memory.EntityUser, uid)
	}
	appendDigest("Known about this chat", memory.EntityChat, req.ChatID)

	text := sb.String()
	if text == "" {
		return nil
	}
	for EstimateText(text) > budget {
		// Drop trailing lines until the digest fits.
		idx := strings.LastIndexByte(strings.TrimRight(text, "\n"), '\n')
		if idx <= 0 {
			return nil
		}
		text = text[:idx]
	}
	return []*store.Turn{{
		ChatID:    req.ChatID,
		Role:      store.RoleSystem,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}}
}

// layerEpisodic: summaries of the most relevant recent episodes, ranked
// by recency decayed score with a topical-overlap bonus.
func (a *Assembler) layerEpisodic(ctx context.Context, req Request) []*store.Turn {
	budget := int(float64(req.TokenBudget) * shareEpisodic)
	episodes, err := a.db.RecentEpisodes(ctx, req.ChatID, episodeCount*3)
	if err != nil {
		logging.Warn("episodic layer failed", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		return nil
	}
	if len(episodes) == 0 {
		return nil
	}

	queryWords := wordSet(req.QueryText)
	type rankedEpisode struct {
		ep    *store.Episode
		score float64
	}
	ranked := make([]rankedEpisode, 0, len(episodes))
	now := time.Now().Unix()
	for _, ep := range episodes {
		ageDays := float64(now-ep.CreatedAt) / 86400
		score := ep.Importance * (1.0 / (1.0 + ageDays/7))
		for _, tag := range ep.Tags {
			if queryWords[strings.ToLower(tag)] {
				score += 0.25
			}
		}
		ranked = append(ranked, rankedEpisode{ep: ep, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var sb strings.Builder
	count := 0
	for _, r := range ranked {
		if count >= episodeCount || r.ep.Summary == "" {
			if count >= episodeCount {
				break
			}
			continue
		}
		line := fmt.Sprintf("Earlier episode (%s): %s\n", r.ep.Topic, r.ep.Summary)
		if EstimateText(sb.String()+line) > budget {
			break
		}
		sb.WriteString(line)
		count++
	}
	if sb.Len() == 0 {
		return nil
	}
	return []*store.Turn{{
		ChatID:    req.ChatID,
		Role:      store.RoleSystem,
		Text:      sb.String(),
		Timestamp: time.Now().Unix(),
	}}
}

// fitChronological keeps the newest turns that fit the budget and
// returns them oldest first, registering ids in seen.
func fitChronological(turns []*store.Turn, budget int, seen map[int64]bool) []*store.Turn {
	used := 0
	var kept []*store.Turn
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if seen[t.ID] {
			continue
		}
		cost := EstimateTurn(t)
		if used+cost > budget {
			break // older items are dropped first
		}
		seen[t.ID] = true
		used += cost
		kept = append(kept, t)
	}
	// kept is newest-first; reverse.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func wordSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out[strings.Trim(w, ".,!?;:\"'()")] = true
	}
	return out
}
