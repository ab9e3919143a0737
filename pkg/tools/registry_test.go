package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTool is a trivial tool for dispatcher tests.
type echoTool struct {
	name string
	out  string
	err  error
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes" }
func (t *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *echoTool) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.out, nil
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "zeta"})
	r.Register(&echoTool{name: "alpha"})
	r.Register(&echoTool{name: "middle"})

	assert.Equal(t, []string{"alpha", "middle", "zeta"}, r.Names())
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "dup"})
	assert.Panics(t, func() { r.Register(&echoTool{name: "dup"}) })
}

func TestDispatchRunsTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "echo", out: `{"status":"ok"}`})
	d := r.Bind(Meta{ChatID: 1, UserID: 7})

	out, err := d.Dispatch(context.Background(), "echo", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, out)

	trace := d.Trace()
	require.Len(t, trace, 1)
	assert.Equal(t, "echo", trace[0].Tool)
	assert.Empty(t, trace[0].Err)
}

func TestDispatchUnknownToolReturnsPayload(t *testing.T) {
	r := NewRegistry()
	d := r.Bind(Meta{})

	// The model gets a payload it can react to, never a Go error.
	out, err := d.Dispatch(context.Background(), "nope", nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"error"`)
	assert.Contains(t, out, "unknown tool")
}

func TestDispatchToolErrorBecomesPayload(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "broken", err: context.DeadlineExceeded})
	d := r.Bind(Meta{})

	out, err := d.Dispatch(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"error"`)

	trace := d.Trace()
	require.Len(t, trace, 1)
	assert.NotEmpty(t, trace[0].Err)
}

func TestDispatchRateLimit(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "limited", out: "ok"})
	// Burst of one and effectively no refill within the test.
	r.SetRate("limited", 0.001, 1)
	d := r.Bind(Meta{})

	out, err := d.Dispatch(context.Background(), "limited", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	out, err = d.Dispatch(context.Background(), "limited", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "rate limited")
}

func TestDispatcherOverlayShadowsRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "edit_image", out: "registry"})

	d := r.Bind(Meta{}).WithTool(&echoTool{name: "edit_image", out: "overlay"})
	out, err := d.Dispatch(context.Background(), "edit_image", nil)
	require.NoError(t, err)
	assert.Equal(t, "overlay", out)

	// A fresh dispatcher without the overlay sees the registry tool.
	plain := r.Bind(Meta{})
	out, err = plain.Dispatch(context.Background(), "edit_image", nil)
	require.NoError(t, err)
	assert.Equal(t, "registry", out)
}

func TestDeclarationsIncludeOverlayOnce(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "base"})

	d := r.Bind(Meta{}).
		WithTool(&echoTool{name: "base"}).
		WithTool(&echoTool{name: "extra"})

	decls := d.Declarations()
	var names []string
	for _, decl := range decls {
		names = append(names, decl["name"].(string))
	}
	assert.Equal(t, []string{"base", "extra"}, names)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"s": "text",
		"f": 3.0,
		"i": 7,
	}
	assert.Equal(t, "text", argString(args, "s"))
	assert.Equal(t, "", argString(args, "missing"))

	n, ok := argInt64(args, "f")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	_, ok = argInt64(args, "missing")
	assert.False(t, ok)

	f, ok := argFloat(args, "i")
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)
}

func TestErrorAndOKResult(t *testing.T) {
	assert.JSONEq(t, `{"status":"error","reason":"boom"}`, ErrorResult("boom"))
	assert.JSONEq(t, `{"status":"ok","count":2}`, OKResult(map[string]any{"count": 2}))
}
