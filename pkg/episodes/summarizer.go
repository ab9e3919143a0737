package episodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gryag/pkg/llm"
	"gryag/pkg/logging"
	"gryag/pkg/store"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const summarizeTimeout = 45 * time.Second

var summaryValences = map[string]bool{
	"positive": true, "negative": true, "mixed": true, "neutral": true,
}

// Summarizer condenses a sealed episode into topic, summary, tags,
// importance and valence. The LLM path produces the rich version; the
// heuristic path guarantees an episode never stays blank.
type Summarizer struct {
	db     *store.DB
	client *llm.Client // nil means heuristics only
}

// NewSummarizer builds a summariser. Pass a nil client to run on
// heuristics alone.
func NewSummarizer(db *store.DB, client *llm.Client) *Summarizer {
	return &Summarizer{db: db, client: client}
}

// Summarize fills in the episode's summary fields. Safe to call from a
// goroutine; all failures degrade to the heuristic summary.
func (s *Summarizer) Summarize(ctx context.Context, episodeID int64, span []*store.Turn) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	topic, summary, tags, importance, valence := s.viaModel(ctx, span)
	if summary == "" {
		topic, summary, tags, importance, valence = heuristicSummary(span)
	}
	if err := s.db.UpdateEpisodeSummary(ctx, episodeID, summary, topic, tags, importance, valence); err != nil {
		logging.Error("episode summary write failed", zap.Int64("episode_id", episodeID), zap.Error(err))
	}
}

func (s *Summarizer) viaModel(ctx context.Context, span []*store.Turn) (topic, summary string, tags []string, importance float64, valence string) {
	if s.client == nil {
		return
	}

	var sb strings.Builder
	for _, t := range span {
		line := t.Text
		if len([]rune(line)) > 300 {
			line = string([]rune(line)[:300])
		}
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, line)
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		System: "You summarise chat conversation episodes. Answer with a single JSON object having keys: " +
			`"topic" (short phrase), "summary" (2-3 sentences), "tags" (up to 5 lowercase words), ` +
			`"importance" (0.0-1.0), "valence" ("positive", "negative", "mixed" or "neutral"). No other text.`,
		Messages: []llm.Message{{Role: "user", Text: sb.String()}},
	})
	if err != nil {
		logging.Warn("episode summarisation fell back to heuristics", zap.Error(err))
		return
	}

	var parsed struct {
		Topic      string   `json:"topic"`
		Summary    string   `json:"summary"`
		Tags       []string `json:"tags"`
		Importance float64  `json:"importance"`
		Valence    string   `json:"valence"`
	}
	raw := strings.TrimSpace(resp.Text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		logging.Warn("episode summary was not valid JSON", zap.Error(err))
		return
	}
	if parsed.Importance < 0 || parsed.Importance > 1 {
		parsed.Importance = 0.5
	}
	if !summaryValences[parsed.Valence] {
		parsed.Valence = "neutral"
	}
	if len(parsed.Tags) > 5 {
		parsed.Tags = parsed.Tags[:5]
	}
	return parsed.Topic, parsed.Summary, parsed.Tags, parsed.Importance, parsed.Valence
}

// Ukrainian and English function words excluded from tag extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"it": true, "this": true, "that": true, "with": true, "as": true, "by": true,
	"i": true, "you": true, "he": true, "she": true, "we": true, "they": true,
	"not": true, "no": true, "yes": true, "so": true, "if": true, "do": true,
	"і": true, "та": true, "й": true, "а": true, "але": true, "що": true,
	"це": true, "як": true, "не": true, "так": true, "ні": true, "у": true,
	"в": true, "на": true, "з": true, "до": true, "про": true, "від": true,
	"був": true, "була": true, "було": true, "є": true, "мене": true, "тебе": true,
}

// heuristicSummary builds a serviceable summary without the model: the
// topic is the leading phrase of the first substantive turn, tags are
// the most frequent non-stop-words, importance scales with span length.
func heuristicSummary(span []*store.Turn) (topic, summary string, tags []string, importance float64, valence string) {
	valence = "neutral"

	var first string
	for _, t := range span {
		if t.Role == store.RoleUser && strings.TrimSpace(t.Text) != "" {
			first = strings.TrimSpace(t.Text)
			break
		}
	}
	words := strings.Fields(first)
	if len(words) > 6 {
		words = words[:6]
	}
	topic = strings.Join(words, " ")
	if topic == "" {
		topic = "conversation"
	}

	freq := make(map[string]int)
	for _, t := range span {
		for _, w := range strings.Fields(strings.ToLower(t.Text)) {
			w = strings.Trim(w, ".,!?;:\"'()[]")
			if len([]rune(w)) < 3 || stopWords[w] {
				continue
			}
			freq[w]++
		}
	}
	type wordCount struct {
		word  string
		count int
	}
	ranked := make([]wordCount, 0, len(freq))
	for w, c := range freq {
		ranked = append(ranked, wordCount{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	for i := 0; i < len(ranked) && i < 5; i++ {
		tags = append(tags, ranked[i].word)
	}

	importance = float64(len(span)) / 50
	if importance > 0.8 {
		importance = 0.8
	}
	if importance < 0.2 {
		importance = 0.2
	}
	summary = fmt.Sprintf("Conversation about %s with %d messages.", topic, len(span))
	return
}
