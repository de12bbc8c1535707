package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/voice-agent/internal/call"
	"github.com/hubenschmidt/voice-agent/internal/delivery"
	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/stt"
	"github.com/hubenschmidt/voice-agent/internal/trace"
	"github.com/hubenschmidt/voice-agent/internal/tts"
)

// newReasoner registers every provider with a key and routes between the
// configured primary and fallback.
func newReasoner(ctx context.Context, cfg config) (*llm.Router, error) {
	client := llm.NewPooledHTTPClient(cfg.llmPoolSize, cfg.llmTimeout)

	var providers []llm.Provider
	if cfg.openaiAPIKey != "" {
		providers = append(providers, llm.NewOpenAI("openai", cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiModel, client))
	}
	if cfg.anthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropic(cfg.anthropicAPIKey, cfg.anthropicURL, cfg.anthropicModel, client))
	}
	if cfg.geminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, cfg.geminiAPIKey, "", cfg.geminiModel, client)
		if err != nil {
			return nil, err
		}
		providers = append(providers, g)
	}
	reg := llm.NewRegistry(providers...)

	primary, err := reg.Get(cfg.llmPrimary)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	var fallback llm.Provider
	if cfg.llmFallback != "" && cfg.llmFallback != cfg.llmPrimary {
		fallback, err = reg.Get(cfg.llmFallback)
		if err != nil {
			slog.Warn("fallback provider unavailable, running without one", "fallback", cfg.llmFallback, "error", err)
			fallback = nil
		}
	}
	slog.Info("reasoning providers", "registered", reg.Names(), "primary", primary.Name())
	return llm.NewRouter(primary, fallback, llm.DefaultRates), nil
}

// newProfiles builds the lookup chain: file or Postgres, optionally behind a
// Redis cache. The returned func releases whatever was opened.
func newProfiles(ctx context.Context, cfg config) (profile.Lookup, func(), error) {
	var (
		lookup  profile.Lookup
		closers []func()
	)
	release := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.profileSource {
	case "postgres":
		db, err := store.Open(ctx, cfg.databaseURL)
		if err != nil {
			return nil, release, err
		}
		closers = append(closers, func() { db.Close() })
		lookup = profile.NewPostgresStore(db)
	case "file", "":
		fs, err := profile.LoadFile(cfg.profileFile)
		if err != nil {
			return nil, release, err
		}
		slog.Info("profiles loaded", "path", cfg.profileFile, "count", len(fs.All()))
		lookup = fs
	default:
		return nil, release, fmt.Errorf("unknown PROFILE_SOURCE %q", cfg.profileSource)
	}

	if cfg.redisURL == "" {
		return lookup, release, nil
	}
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		release()
		return nil, func() {}, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, lookups will bypass cache", "error", err)
	}
	closers = append(closers, func() { rdb.Close() })
	return profile.NewCachedLookup(lookup, rdb, cfg.profileCacheTTL), release, nil
}

// newTraceStore returns nil when tracing is disabled or the database is
// unreachable. Tracing never blocks startup.
func newTraceStore(ctx context.Context, cfg config) (*trace.Store, func()) {
	if cfg.traceDatabaseURL == "" {
		return nil, func() {}
	}
	db, err := store.Open(ctx, cfg.traceDatabaseURL)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return nil, func() {}
	}
	return trace.NewStore(db), func() { closeDB(db) }
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

func tracerFactory(s *trace.Store) func(trace.Call) *trace.Tracer {
	if s == nil {
		return nil
	}
	return func(c trace.Call) *trace.Tracer { return trace.NewTracer(s, c) }
}

func newSummarizer(cfg config) delivery.Summarizer {
	if !cfg.summaryEnabled || cfg.openaiAPIKey == "" {
		return nil
	}
	return delivery.NewAgentSummarizer(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.summaryModel)
}

func recognizerDialer(cfg config) call.RecognizerDialer {
	sc := stt.Config{
		APIKey:     cfg.deepgramAPIKey,
		URL:        cfg.deepgramURL,
		Model:      cfg.deepgramModel,
		FlushAfter: cfg.sttFlush,
	}
	return func(ctx context.Context, onError func(error)) (call.Recognizer, error) {
		g, err := stt.Dial(ctx, sc, onError)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

func synthesizerDialer(cfg config) call.SynthesizerDialer {
	return func(ctx context.Context, voiceID string) (call.Synthesizer, error) {
		if voiceID == "" {
			voiceID = cfg.elevenlabsVoiceID
		}
		g, err := tts.Dial(ctx, tts.Config{
			APIKey:  cfg.elevenlabsAPIKey,
			URL:     cfg.elevenlabsURL,
			VoiceID: voiceID,
			ModelID: cfg.elevenlabsModelID,
			Timeout: cfg.ttsTimeout,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}
