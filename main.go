package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gryag/pkg/admin"
	"gryag/pkg/background"
	"gryag/pkg/channels/telegram"
	"gryag/pkg/config"
	"gryag/pkg/contextwin"
	"gryag/pkg/coord"
	"gryag/pkg/episodes"
	"gryag/pkg/llm"
	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/pipeline"
	"gryag/pkg/retrieval"
	"gryag/pkg/store"
	"gryag/pkg/throttle"
	"gryag/pkg/tools"

	"go.uber.org/zap"
)

// router fans channel updates out to the pipeline and the admin
// handler. Fields are bound after construction because the channel and
// the pipeline reference each other.
type router struct {
	pipeline *pipeline.Pipeline
	admin    *admin.Handler
	channel  *telegram.Channel
}

func (r *router) HandleMessage(ctx context.Context, msg *pipeline.Incoming) {
	r.pipeline.HandleMessage(ctx, msg)
}

func (r *router) HandleCommand(ctx context.Context, msg *pipeline.Incoming) bool {
	return r.admin.HandleCommand(ctx, msg)
}

func (r *router) HandleCallback(ctx context.Context, cb *telegram.Callback) {
	r.admin.HandleCallback(ctx, cb)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Options{
		Dir:    cfg.LogDir,
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		MaxBytes:      cfg.LogMaxBytes,
		BackupCount:   cfg.LogBackupCount,
		RetentionDays: cfg.LogRetentionDays,
		Console:       cfg.EnableConsoleLogging,
		File:          cfg.EnableFileLogging,
	})
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logging.Error("database open failed", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	var cache *retrieval.EmbeddingCache
	if cfg.EnableEmbeddingCache {
		cache, err = retrieval.OpenCache(cfg.EmbedCachePath, cfg.EmbedCacheEntries)
		if err != nil {
			logging.Warn("embedding cache unavailable, running without it", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	client, err := llm.NewClient(ctx, cfg, cache)
	if err != nil {
		logging.Error("LLM client init failed", zap.Error(err))
		os.Exit(1)
	}

	facts := memory.NewRepository(db)

	var retriever *retrieval.Retriever
	if cfg.EnableHybridSearch {
		retriever = retrieval.NewRetriever(db, client, retrieval.Weights{
			Semantic: cfg.SemanticWeight,
			Keyword:  cfg.KeywordWeight,
			Temporal: cfg.TemporalWeight,
		}, cfg.TemporalTauDays)
	}
	assembler := contextwin.NewAssembler(db, facts, retriever)

	summarizer := episodes.NewSummarizer(db, client)
	monitor := episodes.NewMonitor(db, summarizer,
		time.Duration(cfg.EpisodeGapSeconds)*time.Second, cfg.EpisodeMinTurns)

	limiter := throttle.NewUserLimiter(cfg.RateLimitPerUserPerHour)
	features := throttle.NewFeatureLimiter(db, map[string]throttle.FeatureLimit{
		"image_generation": {PerDay: cfg.ImageGenerationDailyLimit},
	})
	cooldown := throttle.NewCooldown(db, time.Duration(cfg.CommandCooldownSeconds)*time.Second)
	locks := throttle.NewConvLocks()

	coordinator := coord.Connect(ctx, cfg.RedisAddr)
	defer coordinator.Close()

	r := &router{}
	channel, err := telegram.New(cfg.TelegramToken, r)
	if err != nil {
		logging.Error("telegram init failed", zap.Error(err))
		os.Exit(1)
	}
	r.channel = channel

	registry := tools.NewRegistry()
	registry.Register(&tools.RememberFact{Repo: facts})
	registry.Register(&tools.RecallFacts{Repo: facts})
	registry.Register(&tools.UpdateFact{Repo: facts})
	registry.Register(&tools.ForgetFact{Repo: facts})
	registry.Register(&tools.SearchMessages{DB: db, Retriever: retriever})
	registry.Register(&tools.Calculator{})
	registry.Register(&tools.CreatePoll{Sender: channel})
	if cfg.WeatherAPIKey != "" {
		registry.Register(&tools.Weather{APIKey: cfg.WeatherAPIKey})
		registry.SetRate("weather", 30, 5)
	}
	if cfg.CurrencyAPIKey != "" {
		registry.Register(&tools.Currency{APIKey: cfg.CurrencyAPIKey})
		registry.SetRate("currency", 30, 5)
	}
	if cfg.SearchAPIKey != "" {
		registry.Register(&tools.SearchWeb{APIKey: cfg.SearchAPIKey})
		registry.SetRate("search_web", 20, 3)
	}
	if cfg.EnableImageGeneration {
		registry.Register(&tools.GenerateImage{
			Gen: client, Sender: channel, DB: db, DailyLimit: cfg.ImageGenerationDailyLimit,
		})
		registry.Register(&tools.EditImage{
			Gen: client, Sender: channel, DB: db, DailyLimit: cfg.ImageGenerationDailyLimit,
		})
		registry.SetRate("generate_image", 10, 2)
		registry.SetRate("edit_image", 10, 2)
	}

	r.pipeline = pipeline.New(cfg, db, facts, assembler, client, registry,
		limiter, locks, monitor, channel, channel.BotUsername())
	r.admin = admin.New(cfg, db, facts, cooldown, features, channel, r.pipeline)

	runner := background.New(cfg, db, facts, client, monitor, locks, features,
		cache, channel, coordinator, assembler.FallbackCount)
	runner.Start(ctx)

	logging.Info("gryag is up",
		zap.String("model", cfg.GeminiModel),
		zap.String("bot", channel.BotUsername()),
		zap.Int("tools", len(registry.Names())))

	go channel.Run(ctx)

	<-ctx.Done()
	logging.Info("shutdown signal received, draining")
	channel.Stop()

	// Give in-flight pipelines a moment to finish persisting.
	time.Sleep(2 * time.Second)
	logging.Info("bye")
}
