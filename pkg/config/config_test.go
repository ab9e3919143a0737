package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		TelegramToken:       "123:abc",
		GeminiAPIKeys:       []string{"key-1"},
		SemanticWeight:      0.5,
		KeywordWeight:       0.3,
		TemporalWeight:      0.2,
		LogLevel:            "info",
		LogFormat:           "text",
		ContextTokenBudget:  8000,
		GeminiMaxMediaItems: 28,
		GeminiMaxVideoItems: 1,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid", mutate: func(s *Settings) {}},
		{
			name:    "missingToken",
			mutate:  func(s *Settings) { s.TelegramToken = "" },
			wantErr: "TELEGRAM_TOKEN",
		},
		{
			name:    "missingKeys",
			mutate:  func(s *Settings) { s.GeminiAPIKeys = nil },
			wantErr: "GEMINI_API_KEY",
		},
		{
			name:    "weightsOffByTooMuch",
			mutate:  func(s *Settings) { s.SemanticWeight = 0.7 },
			wantErr: "must sum to 1.0",
		},
		{
			// Float noise within the tolerance must not trip validation.
			name:   "weightsWithinTolerance",
			mutate: func(s *Settings) { s.SemanticWeight = 0.505 },
		},
		{
			name:    "badLogLevel",
			mutate:  func(s *Settings) { s.LogLevel = "verbose" },
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "badLogFormat",
			mutate:  func(s *Settings) { s.LogFormat = "xml" },
			wantErr: "LOG_FORMAT",
		},
		{
			name:    "zeroBudget",
			mutate:  func(s *Settings) { s.ContextTokenBudget = 0 },
			wantErr: "CONTEXT_TOKEN_BUDGET",
		},
		{
			name: "videoBudgetAboveTotal",
			mutate: func(s *Settings) {
				s.GeminiMaxVideoItems = 30
			},
			wantErr: "GEMINI_MAX_VIDEO_ITEMS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.mutate(s)
			err := s.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("GEMINI_API_KEY", "k1, k2 ,k3")
	t.Setenv("ADMIN_USER_IDS", "100, 200")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, s.GeminiAPIKeys)
	assert.Equal(t, []int64{100, 200}, s.AdminUserIDs)
	assert.Equal(t, "gemini-2.5-flash", s.GeminiModel)
	assert.Equal(t, 30, s.RateLimitPerUserPerHour)
	assert.Equal(t, 8000, s.ContextTokenBudget)
	assert.InDelta(t, 1.0, s.SemanticWeight+s.KeywordWeight+s.TemporalWeight, 0.001)
	assert.True(t, s.EnableHybridSearch)
	assert.False(t, s.EnableImageGeneration)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("GEMINI_API_KEY", "k1")
	t.Setenv("GEMINI_MODEL", "gemma-3-27b-it")
	t.Setenv("RATE_LIMIT_PER_USER_PER_HOUR", "5")
	t.Setenv("ENABLE_IMAGE_GENERATION", "yes")
	t.Setenv("ENABLE_HYBRID_SEARCH", "off")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gemma-3-27b-it", s.GeminiModel)
	assert.Equal(t, 5, s.RateLimitPerUserPerHour)
	assert.True(t, s.EnableImageGeneration)
	assert.False(t, s.EnableHybridSearch)
}

func TestIsAdmin(t *testing.T) {
	s := &Settings{AdminUserIDs: []int64{7, 9}}
	assert.True(t, s.IsAdmin(7))
	assert.False(t, s.IsAdmin(8))
}

func TestChatAllowed(t *testing.T) {
	open := &Settings{}
	assert.True(t, open.ChatAllowed(-1001))

	restricted := &Settings{AllowedChatIDs: []int64{-1001}}
	assert.True(t, restricted.ChatAllowed(-1001))
	assert.False(t, restricted.ChatAllowed(-1002))
}
