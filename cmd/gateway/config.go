package main

import (
	"log/slog"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/env"
)

type config struct {
	port               string
	logLevel           string
	publicWSURL        string
	maxConcurrentCalls int

	deepgramAPIKey string
	deepgramURL    string
	deepgramModel  string
	sttFlush       time.Duration

	elevenlabsAPIKey  string
	elevenlabsURL     string
	elevenlabsModelID string
	elevenlabsVoiceID string
	ttsIdleRefresh    time.Duration
	ttsTimeout        time.Duration

	openaiAPIKey    string
	openaiBaseURL   string
	openaiModel     string
	anthropicAPIKey string
	anthropicURL    string
	anthropicModel  string
	geminiAPIKey    string
	geminiModel     string
	llmPrimary      string
	llmFallback     string
	llmMaxTokens    int
	llmPoolSize     int
	llmTimeout      time.Duration

	profileSource   string
	profileFile     string
	databaseURL     string
	redisURL        string
	profileCacheTTL time.Duration

	ringbackFile     string
	ringbackDuration time.Duration
	playbackMargin   time.Duration
	endCallGrace     time.Duration

	webhookURL        string
	webhookSecret     string
	webhookMaxRetries int
	summaryEnabled    bool
	summaryModel      string

	traceDatabaseURL string
}

func loadConfig() config {
	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		logLevel:           env.Str("LOG_LEVEL", "info"),
		publicWSURL:        env.Str("PUBLIC_WS_URL", ""),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),

		deepgramAPIKey: env.Str("DEEPGRAM_API_KEY", ""),
		deepgramURL:    env.Str("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
		deepgramModel:  env.Str("DEEPGRAM_MODEL", "nova-2-phonecall"),
		sttFlush:       env.Duration("STT_UTTERANCE_FLUSH", time.Second),

		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsURL:     env.Str("ELEVENLABS_URL", "wss://api.elevenlabs.io/v1/text-to-speech"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ttsIdleRefresh:    env.Duration("TTS_IDLE_REFRESH", 15*time.Second),
		ttsTimeout:        env.Duration("TTS_TIMEOUT", 10*time.Second),

		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", ""),
		openaiModel:     env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		anthropicAPIKey: env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:    env.Str("ANTHROPIC_URL", ""),
		anthropicModel:  env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		geminiAPIKey:    env.Str("GEMINI_API_KEY", ""),
		geminiModel:     env.Str("GEMINI_MODEL", "gemini-2.0-flash"),
		llmPrimary:      env.Str("LLM_PRIMARY", "openai"),
		llmFallback:     env.Str("LLM_FALLBACK", "anthropic"),
		llmMaxTokens:    env.Int("LLM_MAX_TOKENS", 300),
		llmPoolSize:     env.Int("LLM_POOL_SIZE", 50),
		llmTimeout:      env.Duration("LLM_TIMEOUT", 20*time.Second),

		profileSource:   env.Str("PROFILE_SOURCE", "file"),
		profileFile:     env.Str("PROFILE_FILE", "profiles.yaml"),
		databaseURL:     env.Str("DATABASE_URL", ""),
		redisURL:        env.Str("REDIS_URL", ""),
		profileCacheTTL: env.Duration("PROFILE_CACHE_TTL", 5*time.Minute),

		ringbackFile:     env.Str("RINGBACK_FILE", ""),
		ringbackDuration: env.Duration("RINGBACK_DURATION", 8*time.Second),
		playbackMargin:   env.Duration("PLAYBACK_MARGIN", 400*time.Millisecond),
		endCallGrace:     env.Duration("END_CALL_GRACE", 4*time.Second),

		webhookURL:        env.Str("WEBHOOK_URL", ""),
		webhookSecret:     env.Str("WEBHOOK_SECRET", ""),
		webhookMaxRetries: env.Int("WEBHOOK_MAX_RETRIES", 5),
		summaryEnabled:    env.Bool("SUMMARY_ENABLED", false),
		summaryModel:      env.Str("SUMMARY_MODEL", "gpt-4o-mini"),

		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
	}
}

func (c config) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.logLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
