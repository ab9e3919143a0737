package tools

import (
	"context"
	"strings"
	"time"

	"gryag/pkg/retrieval"
	"gryag/pkg/store"
)

// SearchMessages exposes conversation history search to the model,
// using the hybrid retriever when available and plain keyword search
// otherwise.
type SearchMessages struct {
	DB        *store.DB
	Retriever *retrieval.Retriever // nil when hybrid search is disabled
}

func (t *SearchMessages) Name() string { return "search_messages" }

func (t *SearchMessages) Description() string {
	return "Search this chat's message history by meaning and keywords. Returns matching messages with who said them and when."
}

func (t *SearchMessages) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum results, default 5, at most 20",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchMessages) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	query := strings.TrimSpace(argString(args, "query"))
	if query == "" {
		return ErrorResult("query is required"), nil
	}
	limit := int64(5)
	if n, ok := argInt64(args, "limit"); ok && n > 0 {
		limit = n
	}
	if limit > 20 {
		limit = 20
	}

	var turns []*store.Turn
	if t.Retriever != nil {
		results, err := t.Retriever.Search(ctx, meta.ChatID, query, int(limit))
		if err != nil {
			return "", err
		}
		for _, r := range results {
			turns = append(turns, r.Turn)
		}
	} else {
		hits, err := t.DB.SearchKeyword(ctx, meta.ChatID, query, int(limit))
		if err != nil {
			return "", err
		}
		for _, h := range hits {
			turns = append(turns, h.Turn)
		}
	}

	items := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		items = append(items, map[string]any{
			"message_id": turn.MessageID,
			"user_id":    turn.UserID,
			"role":       turn.Role,
			"text":       turn.Text,
			"when":       time.Unix(turn.Timestamp, 0).UTC().Format(time.RFC3339),
		})
	}
	return OKResult(map[string]any{"count": len(items), "messages": items}), nil
}
