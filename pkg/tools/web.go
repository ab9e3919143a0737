package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpClient is shared by the outbound tools. Short timeout: a slow
// upstream must not stall the whole tool loop.
var httpClient = &http.Client{Timeout: 10 * time.Second}

func fetchJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Weather reports current conditions for a named location via the
// OpenWeatherMap current-weather endpoint.
type Weather struct {
	APIKey string
}

func (t *Weather) Name() string { return "weather" }

func (t *Weather) Description() string {
	return "Get the current weather for a city. Returns temperature in Celsius, conditions and humidity."
}

func (t *Weather) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "City name, optionally with country code, e.g. 'Kyiv,UA'",
			},
		},
		"required": []string{"location"},
	}
}

func (t *Weather) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	location := strings.TrimSpace(argString(args, "location"))
	if location == "" {
		return ErrorResult("location is required"), nil
	}
	if t.APIKey == "" {
		return ErrorResult("weather service is not configured"), nil
	}

	var payload struct {
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Name string `json:"name"`
	}
	endpoint := fmt.Sprintf(
		"https://api.openweathermap.org/data/2.5/weather?q=%s&units=metric&appid=%s",
		url.QueryEscape(location), url.QueryEscape(t.APIKey))
	if err := fetchJSON(ctx, endpoint, &payload); err != nil {
		return ErrorResult(fmt.Sprintf("weather lookup failed: %v", err)), nil
	}

	description := ""
	if len(payload.Weather) > 0 {
		description = payload.Weather[0].Description
	}
	return OKResult(map[string]any{
		"location":    payload.Name,
		"temperature": payload.Main.Temp,
		"feels_like":  payload.Main.FeelsLike,
		"humidity":    payload.Main.Humidity,
		"conditions":  description,
	}), nil
}

// Currency converts an amount between currencies using a public
// exchange-rate API.
type Currency struct {
	APIKey string
}

func (t *Currency) Name() string { return "currency" }

func (t *Currency) Description() string {
	return "Convert an amount of money from one currency to another at the current exchange rate."
}

func (t *Currency) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{
				"type":        "number",
				"description": "Amount to convert, must be positive",
			},
			"from": map[string]any{
				"type":        "string",
				"description": "Source currency code, e.g. 'USD'",
			},
			"to": map[string]any{
				"type":        "string",
				"description": "Target currency code, e.g. 'UAH'",
			},
		},
		"required": []string{"amount", "from", "to"},
	}
}

func (t *Currency) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	amount, ok := argFloat(args, "amount")
	if !ok || amount <= 0 {
		return ErrorResult("amount must be a positive number"), nil
	}
	from := strings.ToUpper(strings.TrimSpace(argString(args, "from")))
	to := strings.ToUpper(strings.TrimSpace(argString(args, "to")))
	if len(from) != 3 || len(to) != 3 {
		return ErrorResult("from and to must be three-letter currency codes"), nil
	}

	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	endpoint := fmt.Sprintf("https://open.er-api.com/v6/latest/%s", url.PathEscape(from))
	if err := fetchJSON(ctx, endpoint, &payload); err != nil {
		return ErrorResult(fmt.Sprintf("exchange rate lookup failed: %v", err)), nil
	}
	rate, ok := payload.Rates[to]
	if !ok || rate == 0 {
		return ErrorResult(fmt.Sprintf("no rate for %s -> %s", from, to)), nil
	}
	return OKResult(map[string]any{
		"amount":    amount,
		"from":      from,
		"to":        to,
		"rate":      rate,
		"converted": amount * rate,
	}), nil
}

// SearchWeb queries a web search API and returns the top results.
type SearchWeb struct {
	APIKey string
}

func (t *SearchWeb) Name() string { return "search_web" }

func (t *SearchWeb) Description() string {
	return "Search the web for current information. Returns the top results with titles, URLs and snippets."
}

func (t *SearchWeb) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum results, default 5, at most 10",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchWeb) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	query := strings.TrimSpace(argString(args, "query"))
	if query == "" {
		return ErrorResult("query is required"), nil
	}
	if t.APIKey == "" {
		return ErrorResult("web search is not configured"), nil
	}
	limit := int64(5)
	if n, ok := argInt64(args, "limit"); ok && n > 0 {
		limit = n
	}
	if limit > 10 {
		limit = 10
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Subscription-Token", t.APIKey)
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("web search failed: %v", err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("web search returned %d", resp.StatusCode)), nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ErrorResult(fmt.Sprintf("web search returned malformed data: %v", err)), nil
	}

	items := make([]map[string]any, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		items = append(items, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Description,
		})
	}
	return OKResult(map[string]any{"count": len(items), "results": items}), nil
}
