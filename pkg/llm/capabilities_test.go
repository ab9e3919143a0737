package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectCapabilities(t *testing.T) {
	cases := []struct {
		model string
		want  Capabilities
	}{
		{"gemma-3-27b-it", Capabilities{}},
		{"gemini-2.0-flash-lite", Capabilities{Audio: true, FunctionCalling: true}},
		{"gemini-1.5-pro", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true}},
		{"gemini-2.5-flash", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}},
		{"gemini-3-pro", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}},
		{"text-embedding-004", Capabilities{}},
		// Unknown models default to the full feature set.
		{"some-future-model", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectCapabilities(tc.model))
		})
	}
}

func TestCapabilityStateDowngradeIsPermanent(t *testing.T) {
	s := newCapabilityState("gemini-2.5-flash")
	assert.True(t, s.get().Audio)

	s.disable("audio")
	assert.False(t, s.get().Audio)
	// Other flags are untouched.
	assert.True(t, s.get().InlineVideo)
	assert.True(t, s.get().FunctionCalling)

	s.disable("function_calling")
	assert.False(t, s.get().FunctionCalling)
}

func TestOffendingCapability(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"Audio input is not supported for this model", "audio"},
		{"unable to process audio input", "audio"},
		{"Video input is not enabled", "video"},
		{"Function calling is not enabled for this model", "function_calling"},
		{"tool use is unsupported", "function_calling"},
		{"Grounding is not supported with this model", "search_grounding"},
		{"quota exceeded", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, offendingCapability(tc.msg), "message %q", tc.msg)
	}
}
