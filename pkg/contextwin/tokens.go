// Package contextwin builds the layered context window submitted to the
// LLM: immediate, recent, relevant (hybrid-retrieved), background (fact
// digest) and episodic (episode summaries), all under one token budget.
package contextwin

import (
	"strings"

	"gryag/pkg/store"
)

// Token cost model. Words are scaled by a constant factor; media parts
// cost a flat amount matching the provider's accounting.
const (
	wordsPerToken     = 1.3
	inlineMediaTokens = 258
	fileURITokens     = 100
)

// EstimateText approximates the token cost of plain text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return int(float64(len(strings.Fields(text))) * wordsPerToken)
}

// EstimateTurn approximates the token cost of a full turn including its
// media parts.
func EstimateTurn(t *store.Turn) int {
	tokens := EstimateText(t.Text)
	for _, m := range t.Media {
		if m.Kind == store.MediaFileURI || m.FileURI != "" {
			tokens += fileURITokens
		} else {
			tokens += inlineMediaTokens
		}
	}
	return tokens
}

// TruncateToTokens greedily drops turns from the head until the list
// fits the budget. The fallback path when layered assembly fails.
func TruncateToTokens(turns []*store.Turn, budget int) []*store.Turn {
	total := 0
	for _, t := range turns {
		total += EstimateTurn(t)
	}
	i := 0
	for total > budget && i < len(turns) {
		total -= EstimateTurn(turns[i])
		i++
	}
	return turns[i:]
}
