// Package episodes turns the raw turn log into sealed, summarised
// conversation episodes. A monitor watches each chat's unsealed tail
// for boundary signals; a summariser condenses sealed spans, falling
// back to heuristics when the model is unavailable.
package episodes

import (
	"context"
	"math"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/retrieval"
	"gryag/pkg/store"

	"go.uber.org/zap"
)

// Boundary signals. A new episode is sealed when any fires on the
// unsealed tail and the tail is long enough.
const (
	// topicShiftDistance is the minimum cosine distance between the
	// rolling tail centroid and the newest turn's embedding to count as
	// a topic change.
	topicShiftDistance = 0.55
	// participantChurn is the fraction of new speakers in the recent
	// window that signals the conversation moved on.
	participantChurn = 0.6
	// tailScanLimit bounds how many unsealed turns one pass considers.
	tailScanLimit = 200
)

// Monitor detects episode boundaries and seals episodes.
type Monitor struct {
	db         *store.DB
	summarizer *Summarizer
	gap        time.Duration
	minTurns   int
}

// NewMonitor builds a monitor. The summariser may run the LLM or only
// heuristics; sealing never blocks on it.
func NewMonitor(db *store.DB, summarizer *Summarizer, gap time.Duration, minTurns int) *Monitor {
	return &Monitor{db: db, summarizer: summarizer, gap: gap, minTurns: minTurns}
}

// Sweep examines one chat's unsealed tail and seals at most one episode
// per call. Returns the sealed episode id, or 0 when no boundary fired.
func (m *Monitor) Sweep(ctx context.Context, chatID int64) (int64, error) {
	lastEnd, err := m.db.LastEpisodeEnd(ctx, chatID)
	if err != nil {
		return 0, err
	}
	tail, err := m.db.TurnsAfter(ctx, chatID, lastEnd, tailScanLimit)
	if err != nil {
		return 0, err
	}
	if len(tail) < m.minTurns {
		return 0, nil
	}

	cut := m.findBoundary(tail)
	if cut < m.minTurns {
		return 0, nil
	}
	span := tail[:cut]

	episode := &store.Episode{
		ChatID:       chatID,
		ThreadID:     span[0].ThreadID,
		StartTurnID:  span[0].ID,
		EndTurnID:    span[len(span)-1].ID,
		Participants: participants(span),
		Importance:   0.5,
	}
	id, err := m.db.AddEpisode(ctx, episode)
	if err != nil {
		return 0, err
	}
	logging.Info("sealed episode",
		zap.Int64("chat_id", chatID),
		zap.Int64("episode_id", id),
		zap.Int("turns", len(span)))

	// Summarisation is async: the episode is already sealed and the
	// summary lands whenever it is ready.
	go m.summarizer.Summarize(context.WithoutCancel(ctx), id, span)
	return id, nil
}

// findBoundary returns the index after the last turn of the episode, or
// 0 when no boundary was found. Checks, in order: idle gap, topic shift
// by embedding distance, participant churn.
func (m *Monitor) findBoundary(tail []*store.Turn) int {
	// Idle gap between consecutive turns.
	for i := 1; i < len(tail); i++ {
		gap := time.Duration(tail[i].Timestamp-tail[i-1].Timestamp) * time.Second
		if gap >= m.gap && i >= m.minTurns {
			return i
		}
	}

	// The newest turn drifting away from the tail centroid.
	if cut := m.topicShift(tail); cut > 0 {
		return cut
	}

	// Speakers changing over within the tail.
	if cut := m.participantShift(tail); cut > 0 {
		return cut
	}

	// A very long tail is sealed wholesale so it never grows unbounded.
	if len(tail) >= tailScanLimit {
		return len(tail)
	}
	return 0
}

func (m *Monitor) topicShift(tail []*store.Turn) int {
	var centroid []float32
	n := 0
	for i, t := range tail {
		if len(t.Embedding) == 0 {
			continue
		}
		if n >= 3 && i >= m.minTurns {
			mean := scaleVec(centroid, 1/float64(n))
			if 1-retrieval.CosineSimilarity(mean, t.Embedding) >= topicShiftDistance {
				return i
			}
		}
		centroid = addVec(centroid, t.Embedding)
		n++
	}
	return 0
}

func (m *Monitor) participantShift(tail []*store.Turn) int {
	const window = 6
	if len(tail) < m.minTurns+window {
		return 0
	}
	for i := m.minTurns; i+window <= len(tail); i++ {
		before := speakerSet(tail[:i])
		after := tail[i : i+window]
		fresh := 0
		counted := 0
		for _, t := range after {
			if t.UserID == 0 || t.Role != store.RoleUser {
				continue
			}
			counted++
			if !before[t.UserID] {
				fresh++
			}
		}
		if counted > 0 && float64(fresh)/float64(counted) >= participantChurn {
			return i
		}
	}
	return 0
}

func participants(span []*store.Turn) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, t := range span {
		if t.UserID != 0 && !seen[t.UserID] {
			seen[t.UserID] = true
			out = append(out, t.UserID)
		}
	}
	return out
}

func speakerSet(span []*store.Turn) map[int64]bool {
	out := make(map[int64]bool)
	for _, t := range span {
		if t.UserID != 0 && t.Role == store.RoleUser {
			out[t.UserID] = true
		}
	}
	return out
}

func addVec(acc []float32, v []float32) []float32 {
	if acc == nil {
		acc = make([]float32, len(v))
	}
	if len(acc) != len(v) {
		return acc
	}
	for i := range v {
		acc[i] += v[i]
	}
	return acc
}

func scaleVec(v []float32, f float64) []float32 {
	if len(v) == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	out := make([]float32, len(v))
	for i := range v {
		out[i] = float32(float64(v[i]) * f)
	}
	return out
}
