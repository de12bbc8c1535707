package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/call"
	"github.com/hubenschmidt/voice-agent/internal/delivery"
	"github.com/hubenschmidt/voice-agent/internal/finalize"
	"github.com/hubenschmidt/voice-agent/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.level()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	router, err := newReasoner(initCtx, cfg)
	if err != nil {
		initCancel()
		slog.Error("reasoning providers", "error", err)
		os.Exit(1)
	}
	profiles, closeProfiles, err := newProfiles(initCtx, cfg)
	if err != nil {
		initCancel()
		slog.Error("profile source", "error", err)
		os.Exit(1)
	}
	defer closeProfiles()
	traceStore, closeTraces := newTraceStore(initCtx, cfg)
	defer closeTraces()
	initCancel()

	ringback := audio.ToneRingback()
	if cfg.ringbackFile != "" {
		rb, err := audio.LoadWAV(cfg.ringbackFile)
		if err != nil {
			slog.Warn("ringback file unusable, using tone", "path", cfg.ringbackFile, "error", err)
		} else {
			ringback = rb
		}
	}

	dispatcher := delivery.NewDispatcher(delivery.Config{
		URL:        cfg.webhookURL,
		Secret:     cfg.webhookSecret,
		MaxRetries: cfg.webhookMaxRetries,
		Summarizer: newSummarizer(cfg),
	})

	handler := ws.NewHandler(ws.HandlerConfig{
		Session: call.Config{
			Profiles:         profiles,
			Reasoner:         router,
			DialSTT:          recognizerDialer(cfg),
			DialTTS:          synthesizerDialer(cfg),
			Finalizer:        finalize.New(dispatcher),
			NewTracer:        tracerFactory(traceStore),
			Ringback:         ringback,
			RingbackDuration: cfg.ringbackDuration,
			IdleRefresh:      cfg.ttsIdleRefresh,
			PlaybackMargin:   cfg.playbackMargin,
			EndCallGrace:     cfg.endCallGrace,
			MaxTokens:        cfg.llmMaxTokens,
		},
		MaxConcurrent: cfg.maxConcurrentCalls,
		BaseContext:   ctx,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		publicWSURL: cfg.publicWSURL,
		wsHandler:   handler,
		traceStore:  traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		// Media streams are hijacked, so Shutdown does not wait for them. The
		// cancelled base context ends each call, which then finalizes.
		if err := handler.Wait(shutdownCtx); err != nil {
			slog.Warn("calls still open at shutdown", "error", err)
		}
		slog.Info("draining call records")
		if err := dispatcher.Close(shutdownCtx); err != nil {
			slog.Warn("delivery drain", "error", err)
		}
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"max_concurrent", cfg.maxConcurrentCalls,
		"llm_primary", cfg.llmPrimary,
		"llm_fallback", cfg.llmFallback,
		"profile_source", cfg.profileSource,
		"tracing", traceStore != nil,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-stopped
	slog.Info("gateway stopped")
}
