package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"gryag/pkg/logging"
	"gryag/pkg/store"

	"go.uber.org/zap"
)

// Embedder is the minimal surface the retriever needs from the LLM
// client. A nil vector with nil error means embeddings are unavailable;
// the semantic leg then scores zero.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Weights is the convex combination used for score fusion. Validated at
// startup to sum to 1.0.
type Weights struct {
	Semantic float64
	Keyword  float64
	Temporal float64
}

// Result is one ranked hit.
type Result struct {
	Turn  *store.Turn
	Score float64
}

// Retriever ranks turns by a weighted fusion of semantic similarity,
// BM25 keyword rank and exponential recency decay.
type Retriever struct {
	db       *store.DB
	embedder Embedder
	weights  Weights
	tau      time.Duration // temporal decay constant

	// Candidate pool sizes per leg before re-ranking.
	kSemantic int
	kKeyword  int
	kTemporal int
}

// NewRetriever builds a retriever with the given fusion weights and
// temporal decay constant.
func NewRetriever(db *store.DB, embedder Embedder, w Weights, tauDays float64) *Retriever {
	return &Retriever{
		db:        db,
		embedder:  embedder,
		weights:   w,
		tau:       time.Duration(tauDays * 24 * float64(time.Hour)),
		kSemantic: 50,
		kKeyword:  50,
		kTemporal: 20,
	}
}

// Search returns up to limit turns from the chat ranked by combined
// score, non-increasing. Ties break by recency (newer first). Turns
// without embeddings participate with semantic score zero.
func (r *Retriever) Search(ctx context.Context, chatID int64, query string, limit int) ([]Result, error) {
	now := time.Now()
	candidates := make(map[int64]*scored)

	// Keyword leg.
	hits, err := r.db.SearchKeyword(ctx, chatID, query, r.kKeyword)
	if err != nil {
		// Keyword failure degrades rather than fails the search.
		logging.Warn("keyword search failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	var minRank, maxRank float64
	for i, h := range hits {
		if i == 0 || h.Rank < minRank {
			minRank = h.Rank
		}
		if i == 0 || h.Rank > maxRank {
			maxRank = h.Rank
		}
	}
	for _, h := range hits {
		c := upsert(candidates, h.Turn)
		// SQLite bm25 ranks are negative, lower (more negative) is
		// better. The weakest real hit still gets a positive score so it
		// never ties with non-matching candidates from the temporal leg.
		if maxRank > minRank {
			c.keyword = keywordFloor + (1-keywordFloor)*(maxRank-h.Rank)/(maxRank-minRank)
		} else {
			c.keyword = 1
		}
	}

	// Semantic leg.
	var queryVec []float32
	if r.embedder != nil {
		queryVec, err = r.embedder.Embed(ctx, query)
		if err != nil {
			logging.Warn("query embedding failed", zap.Error(err))
			queryVec = nil
		}
	}
	if queryVec != nil {
		withEmb, err := r.db.RecentWithEmbeddings(ctx, chatID, r.kSemantic)
		if err != nil {
			logging.Warn("semantic candidates failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		for _, t := range withEmb {
			sim := CosineSimilarity(queryVec, t.Embedding)
			if sim <= 0 {
				continue
			}
			c := upsert(candidates, t)
			// Cosine is in [-1,1]; clamp into [0,1].
			c.semantic = (sim + 1) / 2
			if c.semantic > 1 {
				c.semantic = 1
			}
		}
	}

	// Temporal leg: most recent turns join the pool regardless of match.
	recent, err := r.db.Recent(ctx, chatID, 0, r.kTemporal)
	if err != nil {
		logging.Warn("temporal candidates failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	for _, t := range recent {
		upsert(candidates, t)
	}

	// Fuse and rank.
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		age := now.Sub(time.Unix(c.turn.Timestamp, 0))
		temporal := math.Exp(-age.Seconds() / r.tau.Seconds())
		score := r.weights.Semantic*c.semantic + r.weights.Keyword*c.keyword + r.weights.Temporal*temporal
		results = append(results, Result{Turn: c.turn, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Turn.Timestamp > results[j].Turn.Timestamp
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordFloor is the normalized score of the weakest keyword hit.
const keywordFloor = 0.05

type scored struct {
	turn     *store.Turn
	semantic float64
	keyword  float64
}

func upsert(m map[int64]*scored, t *store.Turn) *scored {
	if c, ok := m[t.ID]; ok {
		return c
	}
	c := &scored{turn: t}
	m[t.ID] = c
	return c
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either is empty or dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
