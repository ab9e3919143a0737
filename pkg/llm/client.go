// Package llm wraps the Gemini API behind a resilient client: key
// rotation on quota, bounded retry with backoff, capability detection
// with one-shot degradation, a circuit breaker and the tool-calling
// loop. It also serves embeddings through a durable cache.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gryag/pkg/config"
	"gryag/pkg/logging"
	"gryag/pkg/retrieval"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	attemptsPerKey    = 3
	maxToolIterations = 4
	breakerThreshold  = 5
	breakerCooldown   = 60 * time.Second
)

// ToolDispatcher is what the client needs from the tool registry. The
// registry lives in pkg/tools; the interface keeps the dependency
// pointing the right way.
type ToolDispatcher interface {
	// Declarations returns the function schemas in provider-neutral
	// JSON-Schema maps with name/description/parameters keys.
	Declarations() []map[string]any
	// Dispatch runs one tool call and returns its JSON result payload.
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
}

// Request is one generation task.
type Request struct {
	System    string
	Messages  []Message
	Tools     ToolDispatcher
	Grounding bool // request search grounding when the model supports it
}

// Response is the final text plus bookkeeping from the tool loop.
type Response struct {
	Text      string
	ToolCalls []string // names of tools actually executed, in commit order
}

// Client is the resilient Gemini client. One instance serves the whole
// process; all methods are safe for concurrent use.
type Client struct {
	clients []*genai.Client // one per API key, same order as the key list
	keyIdx  int
	keyMu   chan struct{} // 1-slot token guarding keyIdx

	model          string
	embeddingModel string
	caps           *capabilityState
	breaker        *circuitBreaker

	genSem   *semaphore.Weighted
	embedSem *semaphore.Weighted
	cache    *retrieval.EmbeddingCache

	budget    mediaBudget
	grounding bool
}

// NewClient builds a client over every configured API key. The cache
// may be nil (embedding cache disabled).
func NewClient(ctx context.Context, cfg *config.Settings, cache *retrieval.EmbeddingCache) (*Client, error) {
	clients := make([]*genai.Client, 0, len(cfg.GeminiAPIKeys))
	for i, key := range cfg.GeminiAPIKeys {
		gc, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("llm: create client for key %d: %w", i, err)
		}
		clients = append(clients, gc)
	}
	c := &Client{
		clients:        clients,
		keyMu:          make(chan struct{}, 1),
		model:          cfg.GeminiModel,
		embeddingModel: cfg.EmbeddingModel,
		caps:           newCapabilityState(cfg.GeminiModel),
		breaker:        newCircuitBreaker(breakerThreshold, breakerCooldown),
		genSem:         semaphore.NewWeighted(int64(cfg.GenerateConcurrency)),
		embedSem:       semaphore.NewWeighted(int64(cfg.EmbedConcurrency)),
		cache:          cache,
		budget: mediaBudget{
			maxTotal:      cfg.GeminiMaxMediaItems,
			maxHistorical: cfg.GeminiMaxMediaItemsHistorical,
			maxVideo:      cfg.GeminiMaxVideoItems,
		},
		grounding: cfg.EnableSearchGrounding,
	}
	c.keyMu <- struct{}{}
	return c, nil
}

// Capabilities exposes the current (possibly downgraded) feature flags.
func (c *Client) Capabilities() Capabilities { return c.caps.get() }

func (c *Client) currentKey() int {
	<-c.keyMu
	idx := c.keyIdx
	c.keyMu <- struct{}{}
	return idx
}

func (c *Client) rotateKey(from int) int {
	<-c.keyMu
	if c.keyIdx == from {
		c.keyIdx = (c.keyIdx + 1) % len(c.clients)
		logging.Warn("rotating Gemini API key", zap.Int("from", from), zap.Int("to", c.keyIdx))
	}
	idx := c.keyIdx
	c.keyMu <- struct{}{}
	return idx
}

// Generate runs the full generation flow: media shaping, provider call
// with retry and key rotation, optional capability downgrade with one
// reshaped retry, then the tool loop until the model answers in text.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}
	if err := c.genSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.genSem.Release(1)

	resp, err := c.generateShaped(ctx, req)
	if err != nil {
		// Capability errors get exactly one recovery attempt after the
		// offending capability is switched off and media reshaped.
		if ClassOf(err) == ClassCapability {
			if which := offendingCapability(err.Error()); which != "" {
				logging.Warn("disabling model capability after provider rejection",
					zap.String("capability", which), zap.String("model", c.model))
				c.caps.disable(which)
				resp, err = c.generateShaped(ctx, req)
			}
		}
	}
	if err != nil {
		switch ClassOf(err) {
		case ClassSafetyBlocked, ClassInvalidArgument:
			// Terminal by request shape, not provider health.
		default:
			c.breaker.failure()
		}
		return nil, err
	}
	c.breaker.success()
	return resp, nil
}

func (c *Client) generateShaped(ctx context.Context, req Request) (*Response, error) {
	caps := c.caps.get()
	shaped := shapeMessages(req.Messages, caps, c.budget)
	contents := convertMessages(shaped)
	cfg := c.buildConfig(req, caps)

	out := &Response{}
	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := c.callWithRotation(ctx, contents, cfg)
		if err != nil {
			return nil, err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return nil, &Error{Class: ClassUnknown, Err: ErrEmptyResponse}
		}
		content := resp.Candidates[0].Content

		calls := functionCalls(content)
		if len(calls) == 0 || req.Tools == nil {
			out.Text = collectText(content)
			if out.Text == "" && len(calls) == 0 {
				return nil, &Error{Class: ClassUnknown, Err: ErrEmptyResponse}
			}
			return out, nil
		}

		results, err := c.executeCalls(ctx, req.Tools, calls)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			out.ToolCalls = append(out.ToolCalls, r.name)
		}
		// Echo the model turn, then commit results as one user turn in
		// deterministic name order.
		contents = append(contents, content)
		contents = append(contents, responseContent(results))
	}

	// Iteration cap hit: ask once more with tools off so the model must
	// answer in text.
	cfg.Tools = nil
	resp, err := c.callWithRotation(ctx, contents, cfg)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &Error{Class: ClassUnknown, Err: ErrEmptyResponse}
	}
	out.Text = collectText(resp.Candidates[0].Content)
	return out, nil
}

// callWithRotation tries the current key with bounded backoff, rotating
// to the next key on quota until all keys were tried once.
func (c *Client) callWithRotation(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	keyIdx := c.currentKey()
	for tried := 0; tried < len(c.clients); tried++ {
		resp, err := c.callOneKey(ctx, keyIdx, contents, cfg)
		if err == nil {
			return resp, nil
		}
		if ClassOf(err) == ClassQuota {
			keyIdx = c.rotateKey(keyIdx)
			continue
		}
		return nil, err
	}
	return nil, &Error{Class: ClassQuota, Err: ErrAllKeysExhausted}
}

// callOneKey retries transient failures on a single key: 1s, 2s, 4s.
func (c *Client) callOneKey(ctx context.Context, keyIdx int, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	op := func() error {
		r, err := c.clients[keyIdx].Models.GenerateContent(ctx, c.model, contents, cfg)
		if err != nil {
			cerr := Classify(err)
			if cerr.Class == ClassNetwork {
				logging.Warn("transient Gemini failure, will retry",
					zap.Int("key", keyIdx), zap.Error(err))
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		resp = r
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, attemptsPerKey-1), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) buildConfig(req Request, caps Capabilities) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Tools != nil && caps.FunctionCalling {
		var fds []*genai.FunctionDeclaration
		for _, t := range req.Tools.Declarations() {
			fd := &genai.FunctionDeclaration{
				Name:        t["name"].(string),
				Description: t["description"].(string),
			}
			if params, ok := t["parameters"].(map[string]any); ok {
				raw, _ := json.Marshal(params)
				var schema genai.Schema
				_ = json.Unmarshal(raw, &schema)
				fd.Parameters = &schema
			}
			fds = append(fds, fd)
		}
		if len(fds) > 0 {
			cfg.Tools = append(cfg.Tools, &genai.Tool{FunctionDeclarations: fds})
		}
	} else if req.Grounding && c.grounding && caps.SearchGrounding {
		// The API rejects mixing search grounding with function
		// declarations, so grounding only applies on tool-less requests.
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	return cfg
}

type toolResult struct {
	name    string
	payload map[string]any
}

// executeCalls runs the model's parallel function calls concurrently and
// returns their results sorted by tool name so the committed order never
// depends on goroutine scheduling.
func (c *Client) executeCalls(ctx context.Context, tools ToolDispatcher, calls []*genai.FunctionCall) ([]toolResult, error) {
	results := make([]toolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			raw, err := tools.Dispatch(gctx, call.Name, call.Args)
			if err != nil {
				// Tool failures flow back to the model as data; only a
				// cancelled context aborts the loop.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logging.Warn("tool execution failed", zap.String("tool", call.Name), zap.Error(err))
				raw = fmt.Sprintf(`{"status":"error","reason":%q}`, err.Error())
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				payload = map[string]any{"result": raw}
			}
			results[i] = toolResult{name: call.Name, payload: payload}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].name < results[j].name })
	return results, nil
}

func responseContent(results []toolResult) *genai.Content {
	parts := make([]*genai.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{Name: r.name, Response: r.payload},
		})
	}
	return &genai.Content{Role: "user", Parts: parts}
}

func functionCalls(content *genai.Content) []*genai.FunctionCall {
	var calls []*genai.FunctionCall
	for _, p := range content.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

func collectText(content *genai.Content) string {
	var sb strings.Builder
	for _, p := range content.Parts {
		if p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// convertMessages maps the neutral message list to GenAI contents.
// System entries are not expected here; the system prompt travels in
// the config.
func convertMessages(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == "model" || msg.Role == "assistant" {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if msg.Text != "" {
			parts = append(parts, &genai.Part{Text: msg.Text})
		}
		for _, m := range msg.Media {
			switch {
			case m.FileURI != "":
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{MIMEType: m.Mime, FileURI: m.FileURI},
				})
			case len(m.Data) > 0:
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: m.Mime, Data: m.Data},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: string(role), Parts: parts})
	}
	return out
}

// Embed returns the embedding vector for text, serving from the durable
// cache when possible. Implements retrieval.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if c.cache != nil {
		if vec := c.cache.Get(text); vec != nil {
			return vec, nil
		}
	}
	if err := c.embedSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.embedSem.Release(1)

	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: text}}}}
	keyIdx := c.currentKey()
	var lastErr error
	for tried := 0; tried < len(c.clients); tried++ {
		resp, err := c.clients[keyIdx].Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
		if err != nil {
			cerr := Classify(err)
			lastErr = cerr
			if cerr.Class == ClassQuota {
				keyIdx = c.rotateKey(keyIdx)
				continue
			}
			return nil, cerr
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
			return nil, &Error{Class: ClassUnknown, Err: ErrEmptyResponse}
		}
		vec := resp.Embeddings[0].Values
		if c.cache != nil {
			c.cache.Put(text, vec)
		}
		return vec, nil
	}
	if lastErr == nil {
		lastErr = &Error{Class: ClassQuota, Err: ErrAllKeysExhausted}
	}
	return nil, lastErr
}
