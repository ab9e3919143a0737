// Package background runs the maintenance loops: retention pruning,
// episode sweeping, profile summarisation, resource reporting and the
// periodic donation reminder.
package background

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"gryag/pkg/config"
	"gryag/pkg/coord"
	"gryag/pkg/episodes"
	"gryag/pkg/llm"
	"gryag/pkg/logging"
	"gryag/pkg/memory"
	"gryag/pkg/retrieval"
	"gryag/pkg/store"
	"gryag/pkg/throttle"

	"go.uber.org/zap"
)

// Loop intervals. Deliberately coarse; none of this work is urgent.
const (
	retentionInterval = 6 * time.Hour
	episodeInterval   = 5 * time.Minute
	profileInterval   = 30 * time.Minute
	resourceInterval  = 10 * time.Minute
	lockSweepInterval = 15 * time.Minute
	donationInterval  = 14 * 24 * time.Hour
)

// Notifier posts plain housekeeping messages into chats.
type Notifier interface {
	SendText(ctx context.Context, chatID, threadID, replyToMessageID int64, htmlText string) (int64, error)
}

// Runner owns the background goroutines.
type Runner struct {
	cfg      *config.Settings
	db       *store.DB
	facts    *memory.Repository
	client   *llm.Client
	monitor  *episodes.Monitor
	locks    *throttle.ConvLocks
	features *throttle.FeatureLimiter
	cache    *retrieval.EmbeddingCache
	notifier Notifier
	coord    *coord.Coordinator

	fallbacks func() uint64 // context-assembly fallback counter
}

// New wires the runner. Nil monitor, cache, notifier or coordinator
// disable the corresponding loops or behaviour.
func New(cfg *config.Settings, db *store.DB, facts *memory.Repository, client *llm.Client,
	monitor *episodes.Monitor, locks *throttle.ConvLocks, features *throttle.FeatureLimiter,
	cache *retrieval.EmbeddingCache, notifier Notifier, coordinator *coord.Coordinator,
	fallbacks func() uint64) *Runner {
	return &Runner{
		cfg: cfg, db: db, facts: facts, client: client,
		monitor: monitor, locks: locks, features: features,
		cache: cache, notifier: notifier, coord: coordinator,
		fallbacks: fallbacks,
	}
}

// Start launches every loop. They all stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx, retentionInterval, r.pruneRetention)
	go r.loop(ctx, lockSweepInterval, r.sweepLocks)
	go r.loop(ctx, resourceInterval, r.reportResources)
	if r.monitor != nil {
		go r.loop(ctx, episodeInterval, r.sweepEpisodes)
	}
	go r.loop(ctx, profileInterval, r.summariseProfiles)
	if r.notifier != nil {
		go r.loop(ctx, donationInterval, r.donationReminder)
	}
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pruneRetention drops expired turns and stale rate buckets. Turns that
// belong to a chat's unsealed episode tail are protected so the monitor
// never loses an episode boundary.
func (r *Runner) pruneRetention(ctx context.Context) {
	release, won := r.coord.TryLock(ctx, "bg:retention", retentionInterval/2)
	if !won {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	removed, err := r.db.PruneOld(ctx, time.Now(), func(chatID int64) int64 {
		end, err := r.db.LastEpisodeEnd(ctx, chatID)
		if err != nil {
			// On error, protect everything in the chat.
			return 0
		}
		return end
	})
	if err != nil {
		logging.Error("retention prune failed", zap.Error(err))
	} else if removed > 0 {
		logging.Info("retention prune", zap.Int64("turns_removed", removed))
	}

	if r.features != nil {
		if n, err := r.features.PruneLedger(ctx, 48*time.Hour); err != nil {
			logging.Warn("rate ledger prune failed", zap.Error(err))
		} else if n > 0 {
			logging.Debug("rate ledger prune", zap.Int64("buckets_removed", n))
		}
	}
}

func (r *Runner) sweepLocks(ctx context.Context) {
	if n := r.locks.Sweep(); n > 0 {
		logging.Debug("swept idle conversation locks", zap.Int("removed", n))
	}
}

// sweepEpisodes looks for sealable episodes in every recently active
// chat, catching conversations that ended without a follow-up message.
func (r *Runner) sweepEpisodes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	chats, err := r.db.ActiveChats(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		logging.Warn("active chat listing failed", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		if _, err := r.monitor.Sweep(ctx, chatID); err != nil {
			logging.Warn("episode sweep failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

// summariseProfiles regenerates stale user summaries from their facts.
func (r *Runner) summariseProfiles(ctx context.Context) {
	release, won := r.coord.TryLock(ctx, "bg:profiles", profileInterval/2)
	if !won {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	stale, err := r.db.StaleProfiles(ctx, 7*24*time.Hour, 10)
	if err != nil {
		logging.Warn("stale profile listing failed", zap.Error(err))
		return
	}
	for _, userID := range stale {
		summary, err := r.summariseUser(ctx, userID)
		if err != nil {
			logging.Warn("profile summarisation failed", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		if summary == "" {
			continue
		}
		if err := r.db.SetUserSummary(ctx, userID, summary); err != nil {
			logging.Warn("profile summary write failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

func (r *Runner) summariseUser(ctx context.Context, userID int64) (string, error) {
	facts, err := r.facts.GetFacts(ctx, memory.EntityUser, userID, memory.ChatContextGlobal, nil, 0.3, 30)
	if err != nil {
		return "", err
	}
	if len(facts) < 3 || r.client == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s/%s: %s\n", f.Category, f.Key, f.Value)
	}
	resp, err := r.client.Generate(ctx, llm.Request{
		System: "Стисни список фактів про людину в 2-3 речення українською. " +
			"Пиши нейтрально, без оцінок. Відповідай тільки текстом підсумку.",
		Messages: []llm.Message{{Role: "user", Text: sb.String()}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// reportResources logs process health: goroutines, heap, lock table,
// cache effectiveness and how often context assembly degraded.
func (r *Runner) reportResources(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := []zap.Field{
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint64("heap_mb", mem.HeapAlloc/(1<<20)),
		zap.Int("conv_locks", r.locks.Size()),
	}
	if r.cache != nil {
		stats := r.cache.Stats()
		fields = append(fields,
			zap.Uint64("embed_cache_hits", stats.Hits),
			zap.Uint64("embed_cache_misses", stats.Misses))
	}
	if r.fallbacks != nil {
		fields = append(fields, zap.Uint64("context_fallbacks", r.fallbacks()))
	}
	logging.Info("resource report", fields...)
}

// donationReminder posts the support message into active chats that
// have not opted out.
func (r *Runner) donationReminder(ctx context.Context) {
	release, won := r.coord.TryLock(ctx, "bg:donation", 24*time.Hour)
	if !won {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	chats, err := r.db.ActiveChats(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		logging.Warn("donation chat listing failed", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		profile, err := r.db.ChatProfileByID(ctx, chatID)
		if err != nil || (profile != nil && profile.DonationOptOut) {
			continue
		}
		text := "Я працюю на чистому ентузіазмі та оренді сервера. " +
			"Якщо я тобі корисний, можеш підтримати розробника."
		if _, err := r.notifier.SendText(ctx, chatID, 0, 0, text); err != nil {
			logging.Debug("donation reminder failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}
