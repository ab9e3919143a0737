// Package config collects the whole application configuration from the
// environment. Settings are loaded once at startup, validated, and treated
// as immutable afterwards. A .env file in the working directory is honoured
// when present (godotenv); real environment variables win.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Settings holds every tunable of the bot. Field groups mirror the
// environment variable groups documented in the README.
type Settings struct {
	// Credentials
	TelegramToken  string
	GeminiAPIKeys  []string // comma-separated in GEMINI_API_KEY, rotated on quota errors
	ImageGenAPIKey string
	SearchAPIKey   string
	WeatherAPIKey  string
	CurrencyAPIKey string

	// Identity
	AdminUserIDs   []int64
	AllowedChatIDs []int64 // empty means no whitelist

	// Models
	GeminiModel    string
	EmbeddingModel string

	// Limits
	RateLimitPerUserPerHour   int
	CommandCooldownSeconds    int
	EnableCommandThrottling   bool
	ImageGenerationDailyLimit int

	// Context
	MaxTurns                      int
	ContextTokenBudget            int
	ContextSummaryThreshold       int
	GeminiMaxMediaItems           int
	GeminiMaxMediaItemsHistorical int
	GeminiMaxVideoItems           int
	IncludeReplyExcerpt           bool
	ReplyExcerptMaxChars          int

	// Retrieval weights, validated to sum to 1.0
	SemanticWeight  float64
	KeywordWeight   float64
	TemporalWeight  float64
	TemporalTauDays float64

	// Retention and episodes
	RetentionDays     int
	EpisodeGapSeconds int
	EpisodeMinTurns   int

	// Storage
	DBPath            string
	EmbedCachePath    string
	EmbedCacheEntries int

	// Optional cross-process coordination
	RedisAddr string

	// Logging
	LogDir               string
	LogLevel             string
	LogFormat            string // "text" or "json"
	LogRetentionDays     int
	LogMaxBytes          int
	LogBackupCount       int
	EnableConsoleLogging bool
	EnableFileLogging    bool

	// Feature flags
	EnableMultiLevelContext         bool
	EnableSearchGrounding           bool
	EnableImageGeneration           bool
	EnableBotSelfLearning           bool
	EnableCompactConversationFormat bool
	CompactFormatUseFullIDs         bool
	EnableHybridSearch              bool
	EnableEmbeddingCache            bool

	// Pipeline
	PipelineTimeoutSeconds int
	EmbedConcurrency       int
	GenerateConcurrency    int
}

// Load reads the .env file (if any) and builds validated Settings.
// A validation failure here is fatal by contract: the caller terminates
// the process with a precise message.
func Load() (*Settings, error) {
	// Absence of .env is fine; the real environment may carry everything.
	_ = godotenv.Load()

	s := &Settings{
		TelegramToken:  strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		GeminiAPIKeys:  splitList(os.Getenv("GEMINI_API_KEY")),
		ImageGenAPIKey: strings.TrimSpace(os.Getenv("IMAGE_GENERATION_API_KEY")),
		SearchAPIKey:   strings.TrimSpace(os.Getenv("SEARCH_API_KEY")),
		WeatherAPIKey:  strings.TrimSpace(os.Getenv("WEATHER_API_KEY")),
		CurrencyAPIKey: strings.TrimSpace(os.Getenv("CURRENCY_API_KEY")),

		GeminiModel:    envStr("GEMINI_MODEL", "gemini-2.5-flash"),
		EmbeddingModel: envStr("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),

		RateLimitPerUserPerHour:   envInt("RATE_LIMIT_PER_USER_PER_HOUR", 30),
		CommandCooldownSeconds:    envInt("COMMAND_COOLDOWN_SECONDS", 300),
		EnableCommandThrottling:   envBool("ENABLE_COMMAND_THROTTLING", true),
		ImageGenerationDailyLimit: envInt("IMAGE_GENERATION_DAILY_LIMIT", 10),

		MaxTurns:                      envInt("MAX_TURNS", 50),
		ContextTokenBudget:            envInt("CONTEXT_TOKEN_BUDGET", 8000),
		ContextSummaryThreshold:       envInt("CONTEXT_SUMMARY_THRESHOLD", 30),
		GeminiMaxMediaItems:           envInt("GEMINI_MAX_MEDIA_ITEMS", 28),
		GeminiMaxMediaItemsHistorical: envInt("GEMINI_MAX_MEDIA_ITEMS_HISTORICAL", 5),
		GeminiMaxVideoItems:           envInt("GEMINI_MAX_VIDEO_ITEMS", 1),
		IncludeReplyExcerpt:           envBool("INCLUDE_REPLY_EXCERPT", true),
		ReplyExcerptMaxChars:          envInt("REPLY_EXCERPT_MAX_CHARS", 200),

		SemanticWeight:  envFloat("SEMANTIC_WEIGHT", 0.5),
		KeywordWeight:   envFloat("KEYWORD_WEIGHT", 0.3),
		TemporalWeight:  envFloat("TEMPORAL_WEIGHT", 0.2),
		TemporalTauDays: envFloat("TEMPORAL_TAU_DAYS", 7),

		RetentionDays:     envInt("RETENTION_DAYS", 90),
		EpisodeGapSeconds: envInt("EPISODE_GAP_SECONDS", 1800),
		EpisodeMinTurns:   envInt("EPISODE_MIN_TURNS", 4),

		DBPath:            envStr("DB_PATH", "data/gryag.db"),
		EmbedCachePath:    envStr("EMBED_CACHE_PATH", "data/embed_cache.bbolt"),
		EmbedCacheEntries: envInt("EMBED_CACHE_ENTRIES", 10000),

		RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),

		LogDir:               envStr("LOG_DIR", "logs"),
		LogLevel:             envStr("LOG_LEVEL", "info"),
		LogFormat:            envStr("LOG_FORMAT", "text"),
		LogRetentionDays:     envInt("LOG_RETENTION_DAYS", 7),
		LogMaxBytes:          envInt("LOG_MAX_BYTES", 50*1024*1024),
		LogBackupCount:       envInt("LOG_BACKUP_COUNT", 5),
		EnableConsoleLogging: envBool("ENABLE_CONSOLE_LOGGING", true),
		EnableFileLogging:    envBool("ENABLE_FILE_LOGGING", false),

		EnableMultiLevelContext:         envBool("ENABLE_MULTI_LEVEL_CONTEXT", true),
		EnableSearchGrounding:           envBool("ENABLE_SEARCH_GROUNDING", false),
		EnableImageGeneration:           envBool("ENABLE_IMAGE_GENERATION", false),
		EnableBotSelfLearning:           envBool("ENABLE_BOT_SELF_LEARNING", false),
		EnableCompactConversationFormat: envBool("ENABLE_COMPACT_CONVERSATION_FORMAT", false),
		CompactFormatUseFullIDs:         envBool("COMPACT_FORMAT_USE_FULL_IDS", false),
		EnableHybridSearch:              envBool("ENABLE_HYBRID_SEARCH", true),
		EnableEmbeddingCache:            envBool("ENABLE_EMBEDDING_CACHE", true),

		PipelineTimeoutSeconds: envInt("PIPELINE_TIMEOUT_SECONDS", 30),
		EmbedConcurrency:       envInt("EMBED_CONCURRENCY", 6),
		GenerateConcurrency:    envInt("GENERATE_CONCURRENCY", 4),
	}

	s.AdminUserIDs = splitInt64List(os.Getenv("ADMIN_USER_IDS"))
	s.AllowedChatIDs = splitInt64List(os.Getenv("ALLOWED_CHAT_IDS"))

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the invariants the rest of the system relies on.
func (s *Settings) Validate() error {
	if s.TelegramToken == "" {
		return fmt.Errorf("config: TELEGRAM_TOKEN is required")
	}
	if len(s.GeminiAPIKeys) == 0 {
		return fmt.Errorf("config: GEMINI_API_KEY is required (comma-separated list supported)")
	}
	sum := s.SemanticWeight + s.KeywordWeight + s.TemporalWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("config: retrieval weights must sum to 1.0, got %.3f (semantic=%.2f keyword=%.2f temporal=%.2f)",
			sum, s.SemanticWeight, s.KeywordWeight, s.TemporalWeight)
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL %q is not one of debug/info/warn/error", s.LogLevel)
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT %q is not one of text/json", s.LogFormat)
	}
	if s.ContextTokenBudget <= 0 {
		return fmt.Errorf("config: CONTEXT_TOKEN_BUDGET must be positive")
	}
	if s.GeminiMaxVideoItems > s.GeminiMaxMediaItems {
		return fmt.Errorf("config: GEMINI_MAX_VIDEO_ITEMS cannot exceed GEMINI_MAX_MEDIA_ITEMS")
	}
	return nil
}

// IsAdmin reports whether the given user is listed in ADMIN_USER_IDS.
func (s *Settings) IsAdmin(userID int64) bool {
	for _, id := range s.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatAllowed reports whether the chat passes the optional whitelist.
func (s *Settings) ChatAllowed(chatID int64) bool {
	if len(s.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range s.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInt64List(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
