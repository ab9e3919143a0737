package llm

import (
	"strings"
	"sync"
)

// Capabilities are the feature flags inferred from the model identifier
// and refined at runtime when the provider rejects a modality.
type Capabilities struct {
	Audio           bool
	InlineVideo     bool
	FunctionCalling bool
	SearchGrounding bool
}

// capabilityRule maps a model-family identifier pattern to its feature
// set. First match wins; the default is the full Gemini feature set.
type capabilityRule struct {
	pattern string
	caps    Capabilities
}

var capabilityMatrix = []capabilityRule{
	{"gemma", Capabilities{Audio: false, InlineVideo: false, FunctionCalling: false, SearchGrounding: false}},
	{"gemini-2.0-flash-lite", Capabilities{Audio: true, InlineVideo: false, FunctionCalling: true, SearchGrounding: false}},
	{"gemini-1.5", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: false}},
	{"gemini-2", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}},
	{"gemini-3", Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}},
	{"text-embedding", Capabilities{}},
}

// DetectCapabilities resolves the capability flags for a model id.
func DetectCapabilities(model string) Capabilities {
	m := strings.ToLower(model)
	for _, rule := range capabilityMatrix {
		if strings.Contains(m, rule.pattern) {
			return rule.caps
		}
	}
	return Capabilities{Audio: true, InlineVideo: true, FunctionCalling: true, SearchGrounding: true}
}

// capabilityState tracks the current flags with runtime downgrades.
// Once a capability is disabled by an observed provider error it stays
// disabled for the process lifetime.
type capabilityState struct {
	mu   sync.RWMutex
	caps Capabilities
}

func newCapabilityState(model string) *capabilityState {
	return &capabilityState{caps: DetectCapabilities(model)}
}

func (s *capabilityState) get() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

func (s *capabilityState) disable(which string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch which {
	case "audio":
		s.caps.Audio = false
	case "video":
		s.caps.InlineVideo = false
	case "function_calling":
		s.caps.FunctionCalling = false
	case "search_grounding":
		s.caps.SearchGrounding = false
	}
}

// offendingCapability pattern-matches a provider error message to the
// capability it complains about; empty when the error is not
// capability-shaped.
func offendingCapability(errMsg string) string {
	m := strings.ToLower(errMsg)
	switch {
	case strings.Contains(m, "audio") && (strings.Contains(m, "not enabled") || strings.Contains(m, "not supported") || strings.Contains(m, "unable to process")):
		return "audio"
	case strings.Contains(m, "video") && (strings.Contains(m, "not enabled") || strings.Contains(m, "not supported")):
		return "video"
	case (strings.Contains(m, "function calling") || strings.Contains(m, "function_call") || strings.Contains(m, "tool")) &&
		(strings.Contains(m, "not enabled") || strings.Contains(m, "not supported") || strings.Contains(m, "is unsupported")):
		return "function_calling"
	case strings.Contains(m, "grounding") && (strings.Contains(m, "not enabled") || strings.Contains(m, "not supported")):
		return "search_grounding"
	}
	return ""
}
