// Package tools is the capability inventory the model can call. A
// static registry holds the tool implementations; a per-message
// dispatcher binds conversation identity, applies per-tool rate limits
// and records an invocation trace.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gryag/pkg/logging"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta carries the conversation identity into a tool execution.
type Meta struct {
	ChatID   int64
	ThreadID int64
	UserID   int64
	IsAdmin  bool
}

// Tool is one capability the model can invoke. Parameters returns a
// JSON-Schema object using only primitive types; value ranges belong in
// the property descriptions, not in schema keywords.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, meta Meta, args map[string]any) (string, error)
}

// ErrorResult renders the uniform failure payload tools hand back to
// the model for expected failures.
func ErrorResult(reason string) string {
	raw, _ := json.Marshal(map[string]any{"status": "error", "reason": reason})
	return string(raw)
}

// OKResult renders a success payload with extra fields merged in.
func OKResult(fields map[string]any) string {
	out := map[string]any{"status": "ok"}
	for k, v := range fields {
		out[k] = v
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

// NotFoundResult renders the payload for operations whose target does
// not exist. A normal outcome for the model, not an error.
func NotFoundResult(fields map[string]any) string {
	out := map[string]any{"status": "not_found"}
	for k, v := range fields {
		out[k] = v
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

// Registry is the static tool inventory.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	limiters map[string]*rate.Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds a tool. Panics on duplicate names; registration runs
// once at startup and a duplicate is a programming error.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// SetRate attaches a per-tool rate limit shared across all chats.
func (r *Registry) SetRate(name string, perMinute float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names sorted for deterministic output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TraceEntry records one dispatched call.
type TraceEntry struct {
	Tool     string
	Args     map[string]any
	Duration time.Duration
	Err      string
}

// Dispatcher binds the registry to one conversation. It satisfies the
// LLM client's ToolDispatcher interface.
type Dispatcher struct {
	registry *Registry
	meta     Meta
	overlay  map[string]Tool // message-scoped tools, e.g. edit_image with its source

	mu    sync.Mutex
	trace []TraceEntry
}

// Bind creates a dispatcher for one message's tool loop.
func (r *Registry) Bind(meta Meta) *Dispatcher {
	return &Dispatcher{registry: r, meta: meta}
}

// WithTool overlays a message-scoped tool. It shadows any registry tool
// of the same name for this dispatcher only.
func (d *Dispatcher) WithTool(t Tool) *Dispatcher {
	if d.overlay == nil {
		d.overlay = make(map[string]Tool)
	}
	d.overlay[t.Name()] = t
	return d
}

func (d *Dispatcher) lookup(name string) (Tool, bool) {
	if t, ok := d.overlay[name]; ok {
		return t, true
	}
	return d.registry.Get(name)
}

// Declarations renders the schemas of every available tool, sorted by
// name.
func (d *Dispatcher) Declarations() []map[string]any {
	names := d.registry.Names()
	for name := range d.overlay {
		if _, inRegistry := d.registry.Get(name); !inRegistry {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []map[string]any
	for _, name := range names {
		t, _ := d.lookup(name)
		out = append(out, map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		})
	}
	return out
}

// Dispatch runs one tool call, enforcing its rate limit and recording
// the trace entry. Expected failures come back as error payloads, not
// Go errors, so the model can react to them.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	start := time.Now()
	result, errText := d.run(ctx, name, args)

	d.mu.Lock()
	d.trace = append(d.trace, TraceEntry{Tool: name, Args: args, Duration: time.Since(start), Err: errText})
	d.mu.Unlock()

	logging.Debug("tool dispatched",
		zap.String("tool", name),
		zap.Int64("chat_id", d.meta.ChatID),
		zap.Duration("took", time.Since(start)),
		zap.String("error", errText))
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, name string, args map[string]any) (result, errText string) {
	tool, ok := d.lookup(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name)), "unknown tool"
	}

	d.registry.mu.RLock()
	limiter := d.registry.limiters[name]
	d.registry.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		return ErrorResult("rate limited, try again later"), "rate limited"
	}

	out, err := tool.Execute(ctx, d.meta, args)
	if err != nil {
		return ErrorResult(err.Error()), err.Error()
	}
	return out, ""
}

// Trace returns a copy of the calls dispatched so far.
func (d *Dispatcher) Trace() []TraceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TraceEntry, len(d.trace))
	copy(out, d.trace)
	return out
}

// argString reads a string argument, tolerating missing keys.
func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// argInt64 reads an integer argument. JSON numbers arrive as float64.
func argInt64(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// argFloat reads a numeric argument.
func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
